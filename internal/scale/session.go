package scale

import (
	"crypto/aes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SessionError 表示天平会话失效（超时、被抢占或从未建立）
// 上层对这类错误做一次透明的重开会话重试
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("balance session: %v", e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// isSessionError 判断一个错误是否指向会话失效
// 固件的 Fault 文本形如 "Invalid SessionId" / "Session timed out"
func isSessionError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*SessionError); ok {
		return true
	}
	return strings.Contains(err.Error(), "Session")
}

type openSessionRequest struct {
	XMLName xml.Name `xml:"OpenSession"`
	NS      string   `xml:"xmlns,attr"`
}

type openSessionResponse struct {
	SessionID string `xml:"OpenSessionResponse>SessionId"`
	Salt      string `xml:"OpenSessionResponse>Salt"`
}

// OpenSession 打开新会话并解出明文会话号
// 会话号用天平口令经 PBKDF2 派生的密钥做了 AES 加密，盐随应答下发
func (c *Client) OpenSession() error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.openSessionLocked()
}

func (c *Client) openSessionLocked() error {
	var resp openSessionResponse
	if err := c.call("OpenSession", openSessionRequest{NS: TNS}, &resp); err != nil {
		return err
	}
	if resp.SessionID == "" {
		return &ConnError{Op: "OpenSession", Err: fmt.Errorf("应答缺少 SessionId")}
	}
	id, err := decryptSessionID(c.cfg.Password, resp.SessionID, resp.Salt)
	if err != nil {
		return &ConnError{Op: "OpenSession", Err: err}
	}
	c.sessionID = id
	c.taskReady = false
	return nil
}

// ensureSessionLocked 没有会话时开一个；sessMu 已持有
func (c *Client) ensureSessionLocked() error {
	if c.sessionID != "" {
		return nil
	}
	return c.openSessionLocked()
}

// session 返回当前会话号，必要时先开会话
func (c *Client) session() (string, error) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if err := c.ensureSessionLocked(); err != nil {
		return "", err
	}
	return c.sessionID, nil
}

// HasSession 报告当前是否持有会话号（不探测设备）
func (c *Client) HasSession() bool {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sessionID != ""
}

// dropSession 丢弃失效的会话号，下次调用会重开
func (c *Client) dropSession() {
	c.sessMu.Lock()
	c.sessionID = ""
	c.taskReady = false
	c.sessMu.Unlock()
}

// withSession 执行 fn(sessionID)，命中会话错误时重开会话并重试一次
// 其它错误原样上抛，不做重试
func (c *Client) withSession(fn func(sid string) error) error {
	sid, err := c.session()
	if err != nil {
		return err
	}
	err = fn(sid)
	if err == nil || !isSessionError(err) {
		return err
	}
	c.dropSession()
	sid, oerr := c.session()
	if oerr != nil {
		return oerr
	}
	return fn(sid)
}

// decryptSessionID 还原明文会话号：
// 密钥 = PBKDF2-SHA1(口令, 盐, 1000 轮, 32 字节)，密文按 AES-ECB 分组解密，
// 末块去 PKCS7 填充。盐与密文都是 base64。
func decryptSessionID(password, encB64, saltB64 string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(encB64)
	if err != nil {
		return "", fmt.Errorf("SessionId 不是合法 base64: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("Salt 不是合法 base64: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, 1000, 32, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("密文长度 %d 不是块大小的整数倍", len(ct))
	}
	pt := make([]byte, len(ct))
	for i := 0; i < len(ct); i += aes.BlockSize {
		block.Decrypt(pt[i:i+aes.BlockSize], ct[i:i+aes.BlockSize])
	}
	pt, err = pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("空明文")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("PKCS7 填充非法")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("PKCS7 填充非法")
		}
	}
	return data[:len(data)-n], nil
}
