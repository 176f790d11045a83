package scale

import (
	"crypto/aes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// 按真机方式加密一个会话号，再走解密路径核对往返一致
func encryptForTest(t *testing.T, password, plain string, salt []byte) string {
	t.Helper()
	key := pbkdf2.Key([]byte(password), salt, 1000, 32, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("建 cipher 失败: %v", err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	pt := []byte(plain)
	for i := 0; i < pad; i++ {
		pt = append(pt, byte(pad))
	}
	ct := make([]byte, len(pt))
	for i := 0; i < len(pt); i += aes.BlockSize {
		block.Encrypt(ct[i:i+aes.BlockSize], pt[i:i+aes.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(ct)
}

func TestDecryptSessionIDRoundTrip(t *testing.T) {
	salt := []byte("0123456789abcdef")
	saltB64 := base64.StdEncoding.EncodeToString(salt)

	for _, plain := range []string{"a", "session-42", "0123456789abcdef"} {
		enc := encryptForTest(t, "secret", plain, salt)
		got, err := decryptSessionID("secret", enc, saltB64)
		if err != nil {
			t.Fatalf("解密 %q 失败: %v", plain, err)
		}
		if got != plain {
			t.Errorf("往返不一致: %q → %q", plain, got)
		}
	}
}

func TestDecryptSessionIDWrongPassword(t *testing.T) {
	salt := []byte("0123456789abcdef")
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	enc := encryptForTest(t, "secret", "session-42", salt)

	got, err := decryptSessionID("wrong", enc, saltB64)
	// 错口令要么填充校验失败报错，要么解出乱码，绝不能等于原文
	if err == nil && got == "session-42" {
		t.Fatalf("错口令不应解出正确会话号")
	}
}

func TestDecryptSessionIDBadInput(t *testing.T) {
	if _, err := decryptSessionID("p", "not base64!", "AAAA"); err == nil {
		t.Errorf("非法 base64 应报错")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := decryptSessionID("p", short, "AAAA"); err == nil {
		t.Errorf("长度不是块倍数应报错")
	}
}

func TestPKCS7Unpad(t *testing.T) {
	if out, err := pkcs7Unpad([]byte{1, 2, 3, 3, 3, 3}, 6); err != nil || len(out) != 3 {
		t.Errorf("去填充失败: %v %v", out, err)
	}
	bad := [][]byte{
		{},
		{1, 2, 0},          // 填充值 0
		{1, 2, 9},          // 填充值超过块大小
		{1, 2, 3, 2},       // 填充字节不一致
	}
	for _, b := range bad {
		if _, err := pkcs7Unpad(b, 8); err == nil {
			t.Errorf("非法填充应报错: %v", b)
		}
	}
}

func TestIsSessionError(t *testing.T) {
	if !isSessionError(fmt.Errorf("SOAP Fault: Invalid SessionId")) {
		t.Errorf("SessionId 错误应被识别")
	}
	if !isSessionError(&SessionError{Err: errors.New("超时")}) {
		t.Errorf("SessionError 类型应被识别")
	}
	if isSessionError(errors.New("connection refused")) {
		t.Errorf("普通连接错误不应被识别为会话错误")
	}
	if isSessionError(nil) {
		t.Errorf("nil 不是会话错误")
	}
}

// 填充字节不一致的用例需要对齐块大小，单独验证一次真实块
func TestPKCS7UnpadFullBlock(t *testing.T) {
	full := make([]byte, aes.BlockSize)
	for i := range full {
		full[i] = byte(aes.BlockSize)
	}
	out, err := pkcs7Unpad(full, aes.BlockSize)
	if err != nil || len(out) != 0 {
		t.Errorf("整块填充应去成空: %v %v", out, err)
	}
}
