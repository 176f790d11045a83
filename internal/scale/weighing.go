package scale

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"
)

// 称重：清零、去皮、单次读数与连续采样。
// 读数优先要稳定值，等不到稳定（通风、震动）再退回瞬时值。

type zeroRequest struct {
	XMLName   xml.Name `xml:"Zero"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
}

type tareRequest struct {
	XMLName   xml.Name `xml:"Tare"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
}

type getWeightRequest struct {
	XMLName   xml.Name `xml:"GetWeight"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
	Mode      string   `xml:"WeighingCaptureMode"`
	TimeoutS  int      `xml:"TimeoutInSeconds"`
}

// weightNode 兼容两种应答形态：Value/Unit 平铺或包一层 ValueWithUnit
type weightNode struct {
	Value    string `xml:"Value"`
	Unit     string `xml:"Unit"`
	VWUValue string `xml:"ValueWithUnit>Value"`
	VWUUnit  string `xml:"ValueWithUnit>Unit"`
}

func (n weightNode) grams() (float64, error) {
	v, u := n.Value, n.Unit
	if v == "" {
		v, u = n.VWUValue, n.VWUUnit
	}
	if v == "" {
		return 0, fmt.Errorf("应答缺少数值")
	}
	f, err := parseWeight(v)
	if err != nil {
		return 0, err
	}
	return ToGrams(f, ParseUnit(u))
}

type getWeightResponse struct {
	Outcome string     `xml:"GetWeightResponse>Outcome"`
	Net     weightNode `xml:"GetWeightResponse>WeightSample>NetWeight"`
	Gross   weightNode `xml:"GetWeightResponse>WeightSample>GrossWeight"`
}

// Weights 是一次读数换算成克后的净重与毛重
type Weights struct {
	NetG   float64
	GrossG float64
	Stable bool
}

// Zero 秤盘清零
func (c *Client) Zero() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		var resp struct {
			Outcome string `xml:"ZeroResponse>Outcome"`
		}
		if err := c.call("Zero", zeroRequest{NS: TNS, SessionID: sid}, &resp); err != nil {
			return err
		}
		if !outcomeOK(resp.Outcome) {
			return &ConnError{Op: "Zero", Err: fmt.Errorf("outcome=%s", resp.Outcome)}
		}
		return nil
	})
}

// Tare 去皮
func (c *Client) Tare() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		var resp struct {
			Outcome string `xml:"TareResponse>Outcome"`
		}
		if err := c.call("Tare", tareRequest{NS: TNS, SessionID: sid}, &resp); err != nil {
			return err
		}
		if !outcomeOK(resp.Outcome) {
			return &ConnError{Op: "Tare", Err: fmt.Errorf("outcome=%s", resp.Outcome)}
		}
		return nil
	})
}

// GetWeights 读一次净重/毛重（克）
// 先按稳定模式取（2 秒窗口），取不到稳定值退回瞬时读数
func (c *Client) GetWeights() (Weights, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	var out Weights
	err := c.withSession(func(sid string) error {
		w, err := c.getWeightsLocked(sid, "Stable", 2)
		if err == nil {
			w.Stable = true
			out = w
			return nil
		}
		w, err = c.getWeightsLocked(sid, "Immediate", 1)
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func (c *Client) getWeightsLocked(sid, mode string, timeoutS int) (Weights, error) {
	var resp getWeightResponse
	req := getWeightRequest{NS: TNS, SessionID: sid, Mode: mode, TimeoutS: timeoutS}
	if err := c.call("GetWeight", req, &resp); err != nil {
		return Weights{}, err
	}
	if !outcomeOK(resp.Outcome) {
		return Weights{}, &ConnError{Op: "GetWeight",
			Err: fmt.Errorf("mode=%s outcome=%s", mode, resp.Outcome)}
	}
	net, err := resp.Net.grams()
	if err != nil {
		return Weights{}, &ConnError{Op: "GetWeight", Err: err}
	}
	gross, err := resp.Gross.grams()
	if err != nil {
		// 个别固件未去皮时不回毛重，用净重顶上
		gross = net
	}
	return Weights{NetG: net, GrossG: gross}, nil
}

// SampleGross 连续采 n 个毛重样本（克），样本间隔 delay
// 单次读数失败跳过该样本继续，返回实际取到的样本
func (c *Client) SampleGross(ctx context.Context, n int, delay time.Duration) []float64 {
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		if w, err := c.GetWeights(); err == nil {
			out = append(out, w.GrossG)
		}
		if i < n-1 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(delay):
			}
		}
	}
	return out
}
