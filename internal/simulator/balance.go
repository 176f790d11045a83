// Package simulator 提供两台设备的仿真端：没有真机时跑联调与测试用
package simulator

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Balance 仿真 Mettler XPR/XSR 的 WebService 端
// 实现编排器实际会调到的操作子集，按 SOAPAction 分发
type Balance struct {
	Password string

	mu        sync.Mutex
	sessionID string
	doors     map[string]int
	grossG    float64
	netG      float64
	headSub   string // 当前插着的加样头物质名，空表示没插
	notifs    []string
	confirmed []string // 收到的 ConfirmDosingJobAction 动作名
	cancels   []string // 收到的取消操作名
	started   []string // 收到的作业物质名
	rejectJob bool     // 下一次作业下发回失败 Outcome

	taskStarted bool
	targetMg    float64
	lowerMg     float64
	upperMg     float64
}

func NewBalance(password string) *Balance {
	return &Balance{
		Password: password,
		doors:    map[string]int{"DraftShield1": 0},
	}
}

// SetGross 设置毛重读数（克）
func (b *Balance) SetGross(g float64) {
	b.mu.Lock()
	b.grossG = g
	b.mu.Unlock()
}

// SetHead 设置当前加样头的物质名
func (b *Balance) SetHead(substance string) {
	b.mu.Lock()
	b.headSub = substance
	b.mu.Unlock()
}

// ExpireSession 作废当前会话号，模拟设备侧会话超时
func (b *Balance) ExpireSession() {
	b.mu.Lock()
	b.sessionID = "expired-" + b.sessionID
	b.mu.Unlock()
}

// RejectNextJob 让下一次作业下发回失败 Outcome
func (b *Balance) RejectNextJob() {
	b.mu.Lock()
	b.rejectJob = true
	b.mu.Unlock()
}

// QueueNotification 追加一条通知片段，等 GetNotifications 取走
func (b *Balance) QueueNotification(inner string) {
	b.mu.Lock()
	b.notifs = append(b.notifs, inner)
	b.mu.Unlock()
}

// QueueAction 追加一条待确认动作通知
func (b *Balance) QueueAction(action, item string) {
	b.QueueNotification(fmt.Sprintf(
		`<DosingAutomationActionAsyncNotification><DosingAutomationAction>%s</DosingAutomationAction><DosingAutomationActionItem>%s</DosingAutomationActionItem></DosingAutomationActionAsyncNotification>`,
		action, item))
}

// QueueJobFinished 追加一条作业结束通知
func (b *Balance) QueueJobFinished(vial, substance string, targetMg, netMg, tolMg float64) {
	b.QueueNotification(fmt.Sprintf(
		`<DosingAutomationJobFinishedAsyncNotification><DosingJobResult><VialName>%s</VialName><SubstanceName>%s</SubstanceName><Outcome>Success</Outcome><TargetWeight><Value>%g</Value><Unit>Milligram</Unit></TargetWeight><NetWeight><Value>%g</Value><Unit>Milligram</Unit></NetWeight><LowerTolerance><Value>%g</Value><Unit>Milligram</Unit></LowerTolerance><UpperTolerance><Value>%g</Value><Unit>Milligram</Unit></UpperTolerance></DosingJobResult></DosingAutomationJobFinishedAsyncNotification>`,
		vial, substance, targetMg, netMg, tolMg, tolMg))
}

// QueueAutomationFinished 追加终止通知
func (b *Balance) QueueAutomationFinished() {
	b.QueueNotification(`<DosingAutomationFinishedAsyncNotification></DosingAutomationFinishedAsyncNotification>`)
}

// Confirmed 返回收到过的确认动作名
func (b *Balance) Confirmed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.confirmed...)
}

// Cancels 返回收到过的取消操作名
func (b *Balance) Cancels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancels...)
}

// StartedJobs 返回收到过的作业物质名
func (b *Balance) StartedJobs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.started...)
}

// Doors 返回当前门位
func (b *Balance) Doors() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.doors))
	for k, v := range b.doors {
		out[k] = v
	}
	return out
}

// firstTag 从请求体里抠第一个指定标签的文本
func firstTag(body, tag string) string {
	re := regexp.MustCompile(`<` + tag + `>([^<]*)</` + tag + `>`)
	if m := re.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func allTags(body, tag string) []string {
	re := regexp.MustCompile(`<` + tag + `>([^<]*)</` + tag + `>`)
	var out []string
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

// ServeHTTP 按 SOAPAction 分发
func (b *Balance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)
	action := r.Header.Get("SOAPAction")
	if i := strings.LastIndex(action, "/"); i >= 0 {
		action = action[i+1:]
	}

	inner, status := b.dispatch(action, body)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w,
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>%s</s:Body></s:Envelope>`,
		inner)
}

func (b *Balance) dispatch(action, body string) (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// OpenSession 以外的操作都要会话号匹配
	if action != "OpenSession" {
		if sid := firstTag(body, "SessionId"); sid != b.sessionID || sid == "" {
			return `<s:Fault><faultstring>Invalid SessionId</faultstring></s:Fault>`, http.StatusOK
		}
	}

	switch action {
	case "OpenSession":
		b.sessionID = fmt.Sprintf("sim-%d", len(b.sessionID)+1)
		enc, salt, err := encryptSessionID(b.Password, b.sessionID)
		if err != nil {
			return `<s:Fault><faultstring>encrypt failed</faultstring></s:Fault>`, http.StatusOK
		}
		return fmt.Sprintf(
			`<OpenSessionResponse><SessionId>%s</SessionId><Salt>%s</Salt></OpenSessionResponse>`,
			enc, salt), http.StatusOK

	case "SetPosition":
		ids := allTags(body, "DraftShieldId")
		widths := allTags(body, "OpeningWidth")
		for i, id := range ids {
			if i < len(widths) {
				w, _ := strconv.Atoi(widths[i])
				b.doors[id] = w
			}
		}
		return `<SetPositionResponse><Outcome>Success</Outcome></SetPositionResponse>`, http.StatusOK

	case "GetPosition":
		var sb strings.Builder
		sb.WriteString(`<GetPositionResponse><Outcome>Success</Outcome><DraftShieldsInformation>`)
		for _, id := range allTags(body, "DraftShieldIdentifier") {
			fmt.Fprintf(&sb,
				`<DraftShieldInformation><DraftShieldId>%s</DraftShieldId><OpeningWidth>%d</OpeningWidth></DraftShieldInformation>`,
				id, b.doors[id])
		}
		sb.WriteString(`</DraftShieldsInformation></GetPositionResponse>`)
		return sb.String(), http.StatusOK

	case "WakeupFromStandby":
		return `<WakeupFromStandbyResponse><Outcome>Success</Outcome></WakeupFromStandbyResponse>`, http.StatusOK

	case "Zero":
		b.grossG = 0
		b.netG = 0
		return `<ZeroResponse><Outcome>Success</Outcome></ZeroResponse>`, http.StatusOK

	case "Tare":
		b.netG = 0
		return `<TareResponse><Outcome>Success</Outcome></TareResponse>`, http.StatusOK

	case "GetWeight":
		return fmt.Sprintf(
			`<GetWeightResponse><Outcome>Success</Outcome><WeightSample><NetWeight><Value>%g</Value><Unit>Gram</Unit></NetWeight><GrossWeight><Value>%g</Value><Unit>Gram</Unit></GrossWeight></WeightSample></GetWeightResponse>`,
			b.netG, b.grossG), http.StatusOK

	case "StartTask":
		b.taskStarted = true
		return `<StartTaskResponse><Outcome>Success</Outcome></StartTaskResponse>`, http.StatusOK

	case "GetTargetValueAndTolerances":
		if !b.taskStarted {
			return `<GetTargetValueAndTolerancesResponse><Outcome>Error</Outcome></GetTargetValueAndTolerancesResponse>`, http.StatusOK
		}
		return fmt.Sprintf(
			`<GetTargetValueAndTolerancesResponse><Outcome>Success</Outcome><TargetWeight><Value>%g</Value><Unit>Milligram</Unit></TargetWeight><LowerTolerance><Value>%g</Value><Unit>Milligram</Unit></LowerTolerance><UpperTolerance><Value>%g</Value><Unit>Milligram</Unit></UpperTolerance></GetTargetValueAndTolerancesResponse>`,
			b.targetMg, b.lowerMg, b.upperMg), http.StatusOK

	case "SetTargetValueAndTolerances":
		vals := allTags(body, "Value")
		for i, dst := range []*float64{&b.targetMg, &b.lowerMg, &b.upperMg} {
			if i < len(vals) {
				v, _ := strconv.ParseFloat(vals[i], 64)
				*dst = v
			}
		}
		return `<SetTargetValueAndTolerancesResponse><Outcome>Success</Outcome></SetTargetValueAndTolerancesResponse>`, http.StatusOK

	case "StartExecuteDosingJobListAsync":
		if b.rejectJob {
			b.rejectJob = false
			return `<StartExecuteDosingJobListAsyncResponse><Outcome>Error</Outcome><ErrorMessage>job rejected</ErrorMessage></StartExecuteDosingJobListAsyncResponse>`, http.StatusOK
		}
		b.started = append(b.started, firstTag(body, "SubstanceName"))
		return `<StartExecuteDosingJobListAsyncResponse><Outcome>Success</Outcome><CommandId>42</CommandId></StartExecuteDosingJobListAsyncResponse>`, http.StatusOK

	case "GetNotifications":
		var sb strings.Builder
		sb.WriteString(`<GetNotificationsResponse><Notifications>`)
		for _, n := range b.notifs {
			sb.WriteString(n)
		}
		b.notifs = nil
		sb.WriteString(`</Notifications></GetNotificationsResponse>`)
		return sb.String(), http.StatusOK

	case "ConfirmDosingJobAction":
		b.confirmed = append(b.confirmed, firstTag(body, "ExecutedDosingJobAction"))
		return `<ConfirmDosingJobActionResponse><Outcome>Success</Outcome></ConfirmDosingJobActionResponse>`, http.StatusOK

	case "CancelCurrentDosingJobListAsync":
		b.cancels = append(b.cancels, action)
		return `<CancelCurrentDosingJobListAsyncResponse><Outcome>Success</Outcome></CancelCurrentDosingJobListAsyncResponse>`, http.StatusOK

	case "CancelCurrentTask":
		b.cancels = append(b.cancels, action)
		return `<CancelCurrentTaskResponse><Outcome>Success</Outcome></CancelCurrentTaskResponse>`, http.StatusOK

	case "Cancel":
		b.cancels = append(b.cancels, action)
		return `<CancelResponse><Outcome>Success</Outcome></CancelResponse>`, http.StatusOK

	case "ReadDosingHead":
		if b.headSub == "" {
			return `<ReadDosingHeadResponse><Outcome>Error</Outcome></ReadDosingHeadResponse>`, http.StatusOK
		}
		return fmt.Sprintf(
			`<ReadDosingHeadResponse><Outcome>Success</Outcome><HeadType>Powder</HeadType><DosingHeadInfo><SubstanceName>%s</SubstanceName></DosingHeadInfo></ReadDosingHeadResponse>`,
			b.headSub), http.StatusOK

	case "WriteDosingHead":
		b.headSub = firstTag(body, "SubstanceName")
		return `<WriteDosingHeadResponse><Outcome>Success</Outcome></WriteDosingHeadResponse>`, http.StatusOK
	}

	return `<s:Fault><faultstring>unknown action</faultstring></s:Fault>`, http.StatusOK
}

// encryptSessionID 按真机方式加密会话号：
// 随机盐，PBKDF2-SHA1(口令, 盐, 1000, 32) 派生密钥，AES-ECB + PKCS7
func encryptSessionID(password, plain string) (encB64, saltB64 string, err error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	key := pbkdf2.Key([]byte(password), salt, 1000, 32, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", err
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	pt := append([]byte(plain), make([]byte, pad)...)
	for i := len(plain); i < len(pt); i++ {
		pt[i] = byte(pad)
	}
	ct := make([]byte, len(pt))
	for i := 0; i < len(pt); i += aes.BlockSize {
		block.Encrypt(ct[i:i+aes.BlockSize], pt[i:i+aes.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(salt), nil
}
