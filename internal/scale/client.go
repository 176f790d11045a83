package scale

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"apd/internal/config"
)

// TNS 是 XPR/XSR WebService 的目标命名空间
const TNS = "http://MT/Laboratory/Balance/XprXsr/V03"

// ConnError 表示与天平的连接或协议错误
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("balance %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Client 是 Mettler XPR/XSR 天平的 WebService 客户端
// 命令互斥由 cmdMu 串行化；通知长轮询走独立路径，不占命令锁，
// 否则取消命令会被 10 秒的长轮询卡住。
type Client struct {
	cfg  config.ScaleConfig
	base string
	http *http.Client

	cmdMu sync.Mutex // 串行化命令型 SOAP 调用

	sessMu    sync.Mutex
	sessionID string
	taskReady bool
	lastCmdID int64
}

// NewClient 创建一个未开会话的天平客户端
func NewClient(cfg config.ScaleConfig) *Client {
	t := time.Duration(cfg.TimeoutS) * time.Second
	if t <= 0 {
		t = 8 * time.Second
	}
	return &Client{
		cfg:  cfg,
		base: fmt.Sprintf("%s://%s:%d/MT/Laboratory/Balance/XprXsr/V03/", cfg.Scheme, cfg.IP, cfg.Port),
		// 长轮询会挂住到 LongPollingTimeout，HTTP 超时要给足余量
		http: &http.Client{Timeout: t + 15*time.Second},
	}
}

// Close 丢弃会话并关掉空闲连接；之后的调用会重新开会话
func (c *Client) Close() {
	c.dropSession()
	c.http.CloseIdleConnections()
}

// soap envelope 的最小建模：请求整体编码，应答只取 Body 的内层 XML 再二次解码

type soapEnvelope struct {
	XMLName xml.Name `xml:"s:Envelope"`
	NS      string   `xml:"xmlns:s,attr"`
	Body    soapBody
}

type soapBody struct {
	XMLName xml.Name `xml:"s:Body"`
	Inner   any
}

type soapRespEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	XMLName xml.Name `xml:"Fault"`
	Code    string   `xml:"faultcode"`
	Reason  string   `xml:"faultstring"`
	Text    string   `xml:"Reason>Text"`
}

// call 发送一次 SOAP 请求：action 为操作名，req 为带 XMLName 的请求体，resp 可为 nil
func (c *Client) call(action string, req, resp any) error {
	payload, err := xml.Marshal(soapEnvelope{
		NS:   "http://schemas.xmlsoap.org/soap/envelope/",
		Body: soapBody{Inner: req},
	})
	if err != nil {
		return &ConnError{Op: action, Err: err}
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.base, bytes.NewReader(payload))
	if err != nil {
		return &ConnError{Op: action, Err: err}
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", TNS+"/"+action)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return &ConnError{Op: action, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &ConnError{Op: action, Err: err}
	}

	var env soapRespEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return &ConnError{Op: action, Err: fmt.Errorf("应答不是合法的 SOAP envelope: %w", err)}
	}

	inner := env.Body.Inner
	if f := extractFault(inner); f != nil {
		reason := f.Reason
		if reason == "" {
			reason = f.Text
		}
		return &ConnError{Op: action, Err: fmt.Errorf("SOAP Fault: %s", reason)}
	}
	if httpResp.StatusCode != http.StatusOK {
		return &ConnError{Op: action, Err: fmt.Errorf("HTTP %s", httpResp.Status)}
	}

	if resp != nil {
		if err := xml.Unmarshal(wrapBody(inner), resp); err != nil {
			return &ConnError{Op: action, Err: fmt.Errorf("解析应答失败: %w", err)}
		}
	}
	return nil
}

// wrapBody 给 Body 内层补一个人造根节点，方便按字段名宽松解码
func wrapBody(inner []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<body>")
	b.Write(inner)
	b.WriteString("</body>")
	return b.Bytes()
}

func extractFault(inner []byte) *soapFault {
	if !bytes.Contains(inner, []byte("Fault")) {
		return nil
	}
	dec := xml.NewDecoder(bytes.NewReader(wrapBody(inner)))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "Fault" {
			var f soapFault
			if dec.DecodeElement(&f, &se) == nil {
				return &f
			}
			return nil
		}
	}
}

// outcomeOK 检查 Outcome 字段；空串按成功处理（部分固件不回这个字段）
func outcomeOK(outcome string) bool {
	return outcome == "" || strings.EqualFold(outcome, "Success")
}
