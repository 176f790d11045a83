package scale

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"apd/internal/types"
)

// 自动加样：任务启动、作业清单下发、取消梯次与加样头读写。

type startTaskRequest struct {
	XMLName   xml.Name `xml:"StartTask"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
	Method    string   `xml:"MethodName"`
}

type valueWithUnit struct {
	Value string `xml:"Value"`
	Unit  string `xml:"Unit"`
}

type wsDosingJob struct {
	VialName      string        `xml:"VialName"`
	SubstanceName string        `xml:"SubstanceName"`
	TargetWeight  valueWithUnit `xml:"TargetWeight"`
	LowerTol      valueWithUnit `xml:"LowerTolerance"`
	UpperTol      valueWithUnit `xml:"UpperTolerance"`
}

type startDosingJobListRequest struct {
	XMLName   xml.Name      `xml:"StartExecuteDosingJobListAsync"`
	NS        string        `xml:"xmlns,attr"`
	SessionID string        `xml:"SessionId"`
	Jobs      []wsDosingJob `xml:"DosingJobList>DosingJob"`
}

type startDosingJobListResponse struct {
	Outcome    string   `xml:"StartExecuteDosingJobListAsyncResponse>Outcome"`
	CommandID  string   `xml:"StartExecuteDosingJobListAsyncResponse>CommandId"`
	ErrMsg     string   `xml:"StartExecuteDosingJobListAsyncResponse>ErrorMessage"`
	StartError string   `xml:"StartExecuteDosingJobListAsyncResponse>StartDosingJobListError"`
	JobErrors  []string `xml:"StartExecuteDosingJobListAsyncResponse>DosingJobErrors>DosingJobError"`
}

// StartDosingResult 汇总作业清单下发应答里的全部诊断字段
type StartDosingResult struct {
	Outcome    string
	CommandID  string
	ErrMsg     string
	StartError string
	JobErrors  []string
}

// Accepted 判定作业清单是否被天平真正受理：
// Outcome 必须是字面的 Success，且没有启动错误、没有作业级错误。
// 其它命令允许固件省略 Outcome（见 outcomeOK），受理判定不放这个宽，
// 受理与否决定要不要起通知消费，不能靠猜。
func (r StartDosingResult) Accepted() bool {
	return r.Outcome == "Success" && r.StartError == "" && len(r.JobErrors) == 0
}

func (r StartDosingResult) Diagnose() string {
	msg := r.ErrMsg
	if r.StartError != "" {
		msg = fmt.Sprintf("%s start=%s", msg, r.StartError)
	}
	for _, je := range r.JobErrors {
		msg = fmt.Sprintf("%s job=%s", msg, je)
	}
	return msg
}

// StartTask 在天平上启动加样方法；方法名来自配置（面板上的 Method 名）
func (c *Client) StartTask() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		return c.startTaskLocked(sid)
	})
}

func (c *Client) startTaskLocked(sid string) error {
	req := startTaskRequest{NS: TNS, SessionID: sid, Method: c.cfg.MethodName}
	var resp struct {
		Outcome string `xml:"StartTaskResponse>Outcome"`
	}
	if err := c.call("StartTask", req, &resp); err != nil {
		return err
	}
	if !outcomeOK(resp.Outcome) {
		return &ConnError{Op: "StartTask", Err: fmt.Errorf("outcome=%s", resp.Outcome)}
	}
	c.sessMu.Lock()
	c.taskReady = true
	c.sessMu.Unlock()
	return nil
}

// ensureTaskLocked 会话里还没起过方法时补一次 StartTask
// 先用 GetTargetValueAndTolerances 探测：面板上已有人起了方法就直接沿用
func (c *Client) ensureTaskLocked(sid string) error {
	c.sessMu.Lock()
	ready := c.taskReady
	c.sessMu.Unlock()
	if ready {
		return nil
	}
	if _, err := c.getTargetLocked(sid); err == nil {
		c.sessMu.Lock()
		c.taskReady = true
		c.sessMu.Unlock()
		return nil
	}
	return c.startTaskLocked(sid)
}

type getTargetRequest struct {
	XMLName   xml.Name `xml:"GetTargetValueAndTolerances"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
}

type getTargetResponse struct {
	Outcome  string        `xml:"GetTargetValueAndTolerancesResponse>Outcome"`
	Target   valueWithUnit `xml:"GetTargetValueAndTolerancesResponse>TargetWeight"`
	LowerTol valueWithUnit `xml:"GetTargetValueAndTolerancesResponse>LowerTolerance"`
	UpperTol valueWithUnit `xml:"GetTargetValueAndTolerancesResponse>UpperTolerance"`
}

// TargetSetting 是天平当前任务里的目标量与容差，单位统一换算成克
type TargetSetting struct {
	TargetG   float64
	LowerTolG float64
	UpperTolG float64
}

// GetTargetAndTolerances 读当前任务的目标量设置
// 没有活动任务时固件回失败 Outcome，可用来探测任务状态
func (c *Client) GetTargetAndTolerances() (TargetSetting, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	var out TargetSetting
	err := c.withSession(func(sid string) error {
		var gerr error
		out, gerr = c.getTargetLocked(sid)
		return gerr
	})
	return out, err
}

func (c *Client) getTargetLocked(sid string) (TargetSetting, error) {
	var resp getTargetResponse
	if err := c.call("GetTargetValueAndTolerances",
		getTargetRequest{NS: TNS, SessionID: sid}, &resp); err != nil {
		return TargetSetting{}, err
	}
	if !outcomeOK(resp.Outcome) {
		return TargetSetting{}, &ConnError{Op: "GetTargetValueAndTolerances",
			Err: fmt.Errorf("outcome=%s", resp.Outcome)}
	}
	var out TargetSetting
	for _, f := range []struct {
		vu  valueWithUnit
		dst *float64
	}{
		{resp.Target, &out.TargetG},
		{resp.LowerTol, &out.LowerTolG},
		{resp.UpperTol, &out.UpperTolG},
	} {
		v, err := parseWeight(f.vu.Value)
		if err != nil {
			continue
		}
		if g, err := ToGrams(v, ParseUnit(f.vu.Unit)); err == nil {
			*f.dst = g
		}
	}
	return out, nil
}

type setTargetRequest struct {
	XMLName   xml.Name      `xml:"SetTargetValueAndTolerances"`
	NS        string        `xml:"xmlns,attr"`
	SessionID string        `xml:"SessionId"`
	Target    valueWithUnit `xml:"TargetWeight"`
	LowerTol  valueWithUnit `xml:"LowerTolerance"`
	UpperTol  valueWithUnit `xml:"UpperTolerance"`
}

// SetTargetAndTolerances 写当前任务的目标量与容差，入参毫克
// 作业清单自带目标量，这条留给手工加样的面板流程
func (c *Client) SetTargetAndTolerances(targetMg, lowerTolMg, upperTolMg float64) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		if err := c.ensureTaskLocked(sid); err != nil {
			return err
		}
		mg := WSUnit(UnitMilligram)
		req := setTargetRequest{
			NS: TNS, SessionID: sid,
			Target:   valueWithUnit{Value: formatWeight(targetMg), Unit: mg},
			LowerTol: valueWithUnit{Value: formatWeight(lowerTolMg), Unit: mg},
			UpperTol: valueWithUnit{Value: formatWeight(upperTolMg), Unit: mg},
		}
		var resp struct {
			Outcome string `xml:"SetTargetValueAndTolerancesResponse>Outcome"`
		}
		if err := c.call("SetTargetValueAndTolerances", req, &resp); err != nil {
			return err
		}
		if !outcomeOK(resp.Outcome) {
			return &ConnError{Op: "SetTargetValueAndTolerances",
				Err: fmt.Errorf("outcome=%s", resp.Outcome)}
		}
		return nil
	})
}

// StartDosingJobList 下发一条单作业的加样清单
// 下发成功会记住 CommandId，取消梯次的最后一级要用
func (c *Client) StartDosingJobList(job types.DosingJob) (StartDosingResult, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	var out StartDosingResult
	err := c.withSession(func(sid string) error {
		if err := c.ensureTaskLocked(sid); err != nil {
			return err
		}
		// 请求里的单位要用 WebService 的长名（"mg" → "Milligram"）
		tolUnit := job.TolUnit
		if tolUnit == "" {
			tolUnit = job.TargetUnit
		}
		req := startDosingJobListRequest{NS: TNS, SessionID: sid}
		req.Jobs = append(req.Jobs, wsDosingJob{
			VialName:      job.VialName,
			SubstanceName: job.SubstanceName,
			TargetWeight:  valueWithUnit{Value: formatWeight(job.TargetValue), Unit: WSUnit(ParseUnit(job.TargetUnit))},
			LowerTol:      valueWithUnit{Value: formatWeight(job.LowerTol), Unit: WSUnit(ParseUnit(tolUnit))},
			UpperTol:      valueWithUnit{Value: formatWeight(job.UpperTol), Unit: WSUnit(ParseUnit(tolUnit))},
		})
		var resp startDosingJobListResponse
		if err := c.call("StartExecuteDosingJobListAsync", req, &resp); err != nil {
			return err
		}
		out = StartDosingResult{
			Outcome:    resp.Outcome,
			CommandID:  resp.CommandID,
			ErrMsg:     resp.ErrMsg,
			StartError: resp.StartError,
			JobErrors:  resp.JobErrors,
		}
		if out.CommandID != "" {
			if id, perr := strconv.ParseInt(out.CommandID, 10, 64); perr == nil {
				c.sessMu.Lock()
				c.lastCmdID = id
				c.sessMu.Unlock()
			}
		}
		return nil
	})
	return out, err
}

func formatWeight(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type cancelJobListRequest struct {
	XMLName   xml.Name `xml:"CancelCurrentDosingJobListAsync"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
}

type cancelTaskRequest struct {
	XMLName   xml.Name `xml:"CancelCurrentTask"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
}

type cancelCommandRequest struct {
	XMLName   xml.Name `xml:"Cancel"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
	CommandID int64    `xml:"CommandId"`
}

// CancelDosing 按梯次取消正在执行的加样：
// 先取消作业清单，失败再取消整个任务，再失败按 CommandId 精确取消。
// 任何一级成功即返回 nil；三级全失败返回最后一级的错误。
func (c *Client) CancelDosing() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		var resp struct {
			Outcome string `xml:"CancelCurrentDosingJobListAsyncResponse>Outcome"`
		}
		err := c.call("CancelCurrentDosingJobListAsync",
			cancelJobListRequest{NS: TNS, SessionID: sid}, &resp)
		if err == nil && outcomeOK(resp.Outcome) {
			return nil
		}
		if err != nil && isSessionError(err) {
			return err
		}

		var taskResp struct {
			Outcome string `xml:"CancelCurrentTaskResponse>Outcome"`
		}
		err = c.call("CancelCurrentTask", cancelTaskRequest{NS: TNS, SessionID: sid}, &taskResp)
		if err == nil && outcomeOK(taskResp.Outcome) {
			c.sessMu.Lock()
			c.taskReady = false
			c.sessMu.Unlock()
			return nil
		}
		if err != nil && isSessionError(err) {
			return err
		}

		c.sessMu.Lock()
		cmdID := c.lastCmdID
		c.sessMu.Unlock()
		if cmdID == 0 {
			if err != nil {
				return err
			}
			return &ConnError{Op: "cancel dosing",
				Err: fmt.Errorf("逐级取消失败且没有可用的 CommandId")}
		}
		var cmdResp struct {
			Outcome string `xml:"CancelResponse>Outcome"`
		}
		if err := c.call("Cancel",
			cancelCommandRequest{NS: TNS, SessionID: sid, CommandID: cmdID}, &cmdResp); err != nil {
			return err
		}
		if !outcomeOK(cmdResp.Outcome) {
			return &ConnError{Op: "cancel dosing",
				Err: fmt.Errorf("Cancel(%d) outcome=%s", cmdID, cmdResp.Outcome)}
		}
		return nil
	})
}

type readDosingHeadRequest struct {
	XMLName   xml.Name `xml:"ReadDosingHead"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
}

type readDosingHeadResponse struct {
	Outcome   string `xml:"ReadDosingHeadResponse>Outcome"`
	HeadType  string `xml:"ReadDosingHeadResponse>HeadType"`
	Substance string `xml:"ReadDosingHeadResponse>DosingHeadInfo>SubstanceName"`
	FillDate  string `xml:"ReadDosingHeadResponse>DosingHeadInfo>FillingDate"`
	LotID     string `xml:"ReadDosingHeadResponse>DosingHeadInfo>LotId"`
}

// DosingHead 是加样头 RFID 上的关键字段
type DosingHead struct {
	HeadType  string
	Substance string
	FillDate  string
	LotID     string
}

// ReadDosingHead 读当前插着的加样头；没插头时固件回失败 Outcome
func (c *Client) ReadDosingHead() (DosingHead, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	var out DosingHead
	err := c.withSession(func(sid string) error {
		var resp readDosingHeadResponse
		if err := c.call("ReadDosingHead",
			readDosingHeadRequest{NS: TNS, SessionID: sid}, &resp); err != nil {
			return err
		}
		if !outcomeOK(resp.Outcome) {
			return &ConnError{Op: "ReadDosingHead", Err: fmt.Errorf("outcome=%s", resp.Outcome)}
		}
		out = DosingHead{
			HeadType:  resp.HeadType,
			Substance: resp.Substance,
			FillDate:  resp.FillDate,
			LotID:     resp.LotID,
		}
		return nil
	})
	return out, err
}

type writeDosingHeadRequest struct {
	XMLName   xml.Name `xml:"WriteDosingHead"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
	HeadType  string   `xml:"HeadType"`
	Substance string   `xml:"DosingHeadInfo>SubstanceName"`
}

// WriteDosingHead 把物质名写回加样头 RFID
func (c *Client) WriteDosingHead(headType, substance string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		var resp struct {
			Outcome string `xml:"WriteDosingHeadResponse>Outcome"`
		}
		req := writeDosingHeadRequest{NS: TNS, SessionID: sid, HeadType: headType, Substance: substance}
		if err := c.call("WriteDosingHead", req, &resp); err != nil {
			return err
		}
		if !outcomeOK(resp.Outcome) {
			return &ConnError{Op: "WriteDosingHead", Err: fmt.Errorf("outcome=%s", resp.Outcome)}
		}
		return nil
	})
}
