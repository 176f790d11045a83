package scale

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
)

// 加样过程中的异步通知：天平通过 GetNotifications 长轮询推三类事件，
// 需要有人持续消费，否则加样流程会停在等待确认上。

// NotificationKind 是通知的三种类别
type NotificationKind int

const (
	// NotifyActionRequired 天平在等上位机确认一个动作（换头、确认继续等）
	NotifyActionRequired NotificationKind = iota
	// NotifyJobFinished 一条加样作业结束，带实际结果
	NotifyJobFinished
	// NotifyAutomationFinished 整个自动加样序列结束
	NotifyAutomationFinished
)

// Notification 是归一化后的单条通知
type Notification struct {
	Kind       NotificationKind
	Action     string // ActionRequired：待确认的动作名
	ActionItem string // ActionRequired：动作条目
	VialName   string // JobFinished
	Substance  string // JobFinished
	Outcome    string // JobFinished：天平侧的结果判定
	TargetG    float64
	NetG       float64
	LowerTolG  float64
	UpperTolG  float64
}

type getNotificationsRequest struct {
	XMLName   xml.Name `xml:"GetNotifications"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
	TimeoutS  int      `xml:"LongPollingTimeout"`
}

type actionNotifXML struct {
	Action     string `xml:"DosingAutomationAction"`
	ActionItem string `xml:"DosingAutomationActionItem"`
}

type jobFinishedNotifXML struct {
	VialName  string     `xml:"DosingJobResult>VialName"`
	Substance string     `xml:"DosingJobResult>SubstanceName"`
	Outcome   string     `xml:"DosingJobResult>Outcome"`
	Target    weightNode `xml:"DosingJobResult>TargetWeight"`
	Net       weightNode `xml:"DosingJobResult>NetWeight"`
	LowerTol  weightNode `xml:"DosingJobResult>LowerTolerance"`
	UpperTol  weightNode `xml:"DosingJobResult>UpperTolerance"`
}

type getNotificationsResponse struct {
	Actions  []actionNotifXML      `xml:"GetNotificationsResponse>Notifications>DosingAutomationActionAsyncNotification"`
	Jobs     []jobFinishedNotifXML `xml:"GetNotificationsResponse>Notifications>DosingAutomationJobFinishedAsyncNotification"`
	Finished []struct{}            `xml:"GetNotificationsResponse>Notifications>DosingAutomationFinishedAsyncNotification"`
}

// GetNotifications 长轮询一批通知；没有事件时挂住直到超时返回空批
// 不占命令锁：取消命令必须能在长轮询挂住期间插进来
func (c *Client) GetNotifications(timeoutS int) ([]Notification, error) {
	var out []Notification
	err := c.withSession(func(sid string) error {
		var resp getNotificationsResponse
		req := getNotificationsRequest{NS: TNS, SessionID: sid, TimeoutS: timeoutS}
		if err := c.call("GetNotifications", req, &resp); err != nil {
			return err
		}
		out = out[:0]
		for _, a := range resp.Actions {
			out = append(out, Notification{
				Kind:       NotifyActionRequired,
				Action:     a.Action,
				ActionItem: a.ActionItem,
			})
		}
		for _, j := range resp.Jobs {
			n := Notification{
				Kind:      NotifyJobFinished,
				VialName:  j.VialName,
				Substance: j.Substance,
				Outcome:   j.Outcome,
			}
			n.TargetG, _ = j.Target.grams()
			n.NetG, _ = j.Net.grams()
			n.LowerTolG, _ = j.LowerTol.grams()
			n.UpperTolG, _ = j.UpperTol.grams()
			out = append(out, n)
		}
		for range resp.Finished {
			out = append(out, Notification{Kind: NotifyAutomationFinished})
		}
		return nil
	})
	return out, err
}

type confirmActionRequest struct {
	XMLName    xml.Name `xml:"ConfirmDosingJobAction"`
	NS         string   `xml:"xmlns,attr"`
	SessionID  string   `xml:"SessionId"`
	Action     string   `xml:"ExecutedDosingJobAction"`
	ActionItem string   `xml:"DosingJobActionItem,omitempty"`
}

// ConfirmDosingAction 代替操作员确认一个待确认动作
func (c *Client) ConfirmDosingAction(action, actionItem string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		var resp struct {
			Outcome string `xml:"ConfirmDosingJobActionResponse>Outcome"`
		}
		req := confirmActionRequest{NS: TNS, SessionID: sid, Action: action, ActionItem: actionItem}
		if err := c.call("ConfirmDosingJobAction", req, &resp); err != nil {
			return err
		}
		if !outcomeOK(resp.Outcome) {
			return &ConnError{Op: "ConfirmDosingJobAction",
				Err: fmt.Errorf("outcome=%s", resp.Outcome)}
		}
		return nil
	})
}

// InTolerance 判定实际净重是否落在 [目标-下偏差, 目标+上偏差] 内
func (n Notification) InTolerance() bool {
	diff := n.TargetG - n.NetG
	return diff >= -n.UpperTolG && diff <= n.LowerTolG
}

// AutoConfirmNotifications 是通知消费循环，在专职 goroutine 上跑：
//   - ActionRequired → 自动回 ConfirmDosingJobAction，无人值守不中断
//   - JobFinished    → 记录结果与在差/超差判定
//   - AutomationFinished → 循环正常结束
//
// ctx 取消时返回 nil（上层主动收尾）；设备错误原样返回。
// GetNotifications 内部已带一次会话重开重试，这里不再兜。
func (c *Client) AutoConfirmNotifications(ctx context.Context, timeoutS int, log *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := c.GetNotifications(timeoutS)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, n := range batch {
			switch n.Kind {
			case NotifyActionRequired:
				log.Info("天平请求确认动作",
					slog.String("action", n.Action),
					slog.String("item", n.ActionItem))
				if err := c.ConfirmDosingAction(n.Action, n.ActionItem); err != nil {
					return err
				}
			case NotifyJobFinished:
				verdict := "在差"
				if !n.InTolerance() {
					verdict = "超差"
				}
				log.Info("加样作业结束",
					slog.String("vial", n.VialName),
					slog.String("substance", n.Substance),
					slog.String("outcome", n.Outcome),
					slog.Float64("target_g", n.TargetG),
					slog.Float64("net_g", n.NetG),
					slog.String("verdict", verdict))
			case NotifyAutomationFinished:
				log.Info("自动加样序列结束")
				return nil
			}
		}
	}
}
