// Package stream 将分块到达的生成流拆分为记录并解释为领域事件
package stream

import (
	"bytes"
	"strings"
)

// doneSentinel 流结束标记
const doneSentinel = "[DONE]"

// Record 一条完整的流记录
type Record struct {
	Event string
	Data  string
}

// Demuxer 流多路分解器
// 按字节缓冲，行在 '\n' 处切分，因此分块可以落在任意位置（包括多字节 UTF-8 序列中间）
type Demuxer struct {
	pending []byte
	event   string
	data    []string
	hasData bool
	done    bool
}

// NewDemuxer 创建分解器
func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// Done 是否已收到结束标记
func (d *Demuxer) Done() bool {
	return d.done
}

// Feed 输入一个原始分块，返回其中已完整的记录
func (d *Demuxer) Feed(chunk []byte) []Record {
	if d.done || len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	var records []Record
	for !d.done {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(d.pending[:idx])
		d.pending = d.pending[idx+1:]
		if rec, ok := d.processLine(line); ok {
			records = append(records, rec)
		}
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return records
}

// Flush 在输入结束时调用：处理未以换行结尾的最后一行，并派发未被空行终止的记录
func (d *Demuxer) Flush() []Record {
	if d.done {
		return nil
	}
	var records []Record
	if len(d.pending) > 0 {
		line := string(d.pending)
		d.pending = nil
		if rec, ok := d.processLine(line); ok {
			records = append(records, rec)
		}
	}
	if !d.done {
		if rec, ok := d.dispatch(); ok {
			records = append(records, rec)
		}
	}
	return records
}

// processLine 处理一行，遇到空行时派发
func (d *Demuxer) processLine(line string) (Record, bool) {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return Record{}, false
	}

	field, value, ok := strings.Cut(line, ":")
	if !ok {
		// 格式错误的行直接忽略
		return Record{}, false
	}
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		d.event = strings.TrimSpace(value)
	case "data":
		d.data = append(d.data, value)
		d.hasData = true
	}
	return Record{}, false
}

// dispatch 派发当前累积的记录并重置状态
func (d *Demuxer) dispatch() (Record, bool) {
	event, data, hasData := d.event, d.data, d.hasData
	d.event, d.data, d.hasData = "", nil, false

	if !hasData && event == "" {
		return Record{}, false
	}
	payload := strings.Join(data, "\n")
	if payload == doneSentinel {
		d.done = true
		return Record{}, false
	}
	return Record{Event: event, Data: payload}, true
}
