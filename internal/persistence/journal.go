package persistence

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"apd/internal/types"
)

// Record 代表运行日志文件中的一条记录
// 计划开始处理一只样瓶时写 BEGIN，走完全程时写 DONE
type Record struct {
	Type    string       `json:"type"` // "BEGIN" 或 "DONE"
	PlanRun string       `json:"plan_run"`
	Vial    types.VialID `json:"vial"`
	At      time.Time    `json:"at"`
}

// Journal 是计划执行的追加式运行日志
// 本设计的计划不支持断点续跑，日志只用于启动时报告上次没走完的样瓶
type Journal struct {
	file *os.File
	mu   sync.Mutex
}

// NewJournal 创建或打开一个运行日志文件
func NewJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

// Begin 记录一只样瓶开始处理
func (j *Journal) Begin(planRun string, vial types.VialID) error {
	return j.append(Record{Type: "BEGIN", PlanRun: planRun, Vial: vial, At: time.Now()})
}

// Done 记录一只样瓶走完全程
func (j *Journal) Done(planRun string, vial types.VialID) error {
	return j.append(Record{Type: "DONE", PlanRun: planRun, Vial: vial, At: time.Now()})
}

func (j *Journal) append(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return j.file.Sync()
}

// Unfinished 返回日志里开始过但没走完的样瓶
// 启动时调用一次，只做提示，不做自动续跑
func (j *Journal) Unfinished() ([]types.VialID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	type key struct {
		run  string
		vial types.VialID
	}
	begun := make(map[key]bool)
	var order []key

	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			// 忽略损坏的行
			continue
		}
		k := key{run: r.PlanRun, vial: r.Vial}
		switch r.Type {
		case "BEGIN":
			if !begun[k] {
				begun[k] = true
				order = append(order, k)
			}
		case "DONE":
			delete(begun, k)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var out []types.VialID
	for _, k := range order {
		if begun[k] {
			out = append(out, k.vial)
		}
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return out, nil
}

// Close 关闭运行日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
