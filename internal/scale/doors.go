package scale

import (
	"encoding/xml"
	"fmt"
	"time"
)

// 防风罩（draft shield）门控。宽度按百分比：100 全开，0 全关。

type draftShieldPosition struct {
	DoorID       string `xml:"DraftShieldId"`
	OpeningWidth int    `xml:"OpeningWidth"`
}

type setPositionRequest struct {
	XMLName   xml.Name              `xml:"SetPosition"`
	NS        string                `xml:"xmlns,attr"`
	SessionID string                `xml:"SessionId"`
	Positions []draftShieldPosition `xml:"DraftShieldsPositions>DraftShieldPosition"`
}

type getPositionRequest struct {
	XMLName   xml.Name `xml:"GetPosition"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
	DoorIDs   []string `xml:"DraftShieldIds>DraftShieldIdentifier"`
}

type getPositionResponse struct {
	Outcome   string                `xml:"GetPositionResponse>Outcome"`
	Positions []draftShieldPosition `xml:"GetPositionResponse>DraftShieldsInformation>DraftShieldInformation"`
}

type wakeupRequest struct {
	XMLName   xml.Name `xml:"WakeupFromStandby"`
	NS        string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionId"`
}

// SetDoorPositions 把全部配置门设置到同一开度
func (c *Client) SetDoorPositions(width int) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		return c.setDoorsLocked(sid, width)
	})
}

func (c *Client) setDoorsLocked(sid string, width int) error {
	req := setPositionRequest{NS: TNS, SessionID: sid}
	for _, id := range c.cfg.DoorIDs {
		req.Positions = append(req.Positions, draftShieldPosition{DoorID: id, OpeningWidth: width})
	}
	var resp struct {
		Outcome string `xml:"SetPositionResponse>Outcome"`
	}
	if err := c.call("SetPosition", req, &resp); err != nil {
		return err
	}
	if !outcomeOK(resp.Outcome) {
		return &ConnError{Op: "SetPosition", Err: fmt.Errorf("outcome=%s", resp.Outcome)}
	}
	return nil
}

// DoorPositions 查询全部配置门的当前开度
func (c *Client) DoorPositions() (map[string]int, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	var out map[string]int
	err := c.withSession(func(sid string) error {
		m, err := c.doorPositionsLocked(sid)
		out = m
		return err
	})
	return out, err
}

func (c *Client) doorPositionsLocked(sid string) (map[string]int, error) {
	req := getPositionRequest{NS: TNS, SessionID: sid, DoorIDs: c.cfg.DoorIDs}
	var resp getPositionResponse
	if err := c.call("GetPosition", req, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(resp.Positions))
	for _, p := range resp.Positions {
		out[p.DoorID] = p.OpeningWidth
	}
	return out, nil
}

// WakeupFromStandby 把天平从待机唤醒；待机时门控指令会被静默吞掉
func (c *Client) WakeupFromStandby() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		return c.call("WakeupFromStandby", wakeupRequest{NS: TNS, SessionID: sid}, nil)
	})
}

// OpenDoors 打开全部门并确认到位
func (c *Client) OpenDoors() error {
	return c.driveDoors(c.cfg.OpenWidth, "open")
}

// CloseDoors 关闭全部门并确认到位
func (c *Client) CloseDoors() error {
	return c.driveDoors(c.cfg.CloseWidth, "close")
}

// driveDoors 下发门控并核对实际开度，不到位时按梯次补救：
//  1. 直接下发并等待到位
//  2. 先唤醒再下发（待机会吞门控指令）
//  3. 先推到中间开度再推目标（个别固件在端点会卡死不动）
//
// 三轮都不到位才报错。
func (c *Client) driveDoors(target int, label string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.withSession(func(sid string) error {
		if err := c.setDoorsLocked(sid, target); err != nil {
			return err
		}
		if c.doorsSettledLocked(sid, target) {
			return nil
		}

		if err := c.call("WakeupFromStandby", wakeupRequest{NS: TNS, SessionID: sid}, nil); err != nil {
			return err
		}
		if err := c.setDoorsLocked(sid, target); err != nil {
			return err
		}
		if c.doorsSettledLocked(sid, target) {
			return nil
		}

		mid := (c.cfg.OpenWidth + c.cfg.CloseWidth) / 2
		if err := c.setDoorsLocked(sid, mid); err != nil {
			return err
		}
		time.Sleep(300 * time.Millisecond)
		if err := c.setDoorsLocked(sid, target); err != nil {
			return err
		}
		if c.doorsSettledLocked(sid, target) {
			return nil
		}
		return &ConnError{Op: label + " doors",
			Err: fmt.Errorf("门未到位，目标开度 %d", target)}
	})
}

// doorsSettledLocked 在约 3 秒内轮询开度，全部门进入目标 ±2 即认为到位
func (c *Client) doorsSettledLocked(sid string, target int) bool {
	const tol = 2
	deadline := time.Now().Add(3 * time.Second)
	for {
		pos, err := c.doorPositionsLocked(sid)
		if err == nil && len(pos) > 0 {
			ok := true
			for _, id := range c.cfg.DoorIDs {
				w, found := pos[id]
				if !found || w < target-tol || w > target+tol {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// DoorsOpen 判断全部门是否处于打开状态（开度达到开门目标 ±2）
func (c *Client) DoorsOpen() (bool, error) {
	pos, err := c.DoorPositions()
	if err != nil {
		return false, err
	}
	if len(pos) == 0 {
		return false, &ConnError{Op: "GetPosition", Err: fmt.Errorf("应答不含任何门")}
	}
	for _, id := range c.cfg.DoorIDs {
		w, found := pos[id]
		if !found || w < c.cfg.OpenWidth-2 {
			return false, nil
		}
	}
	return true, nil
}
