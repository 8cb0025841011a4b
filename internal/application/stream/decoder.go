package stream

import (
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/metrics"
)

// Decoder 组合 Demuxer 与 Interpreter，输入原始分块，输出领域事件
type Decoder struct {
	demux  *Demuxer
	interp *Interpreter
}

// NewDecoder 创建解码器
func NewDecoder(interp *Interpreter) *Decoder {
	if interp == nil {
		interp = NewInterpreter()
	}
	return &Decoder{demux: NewDemuxer(), interp: interp}
}

// Feed 输入原始分块
func (d *Decoder) Feed(chunk []byte) []entity.SSEEvent {
	return d.interpret(d.demux.Feed(chunk))
}

// Flush 输入结束
func (d *Decoder) Flush() []entity.SSEEvent {
	return d.interpret(d.demux.Flush())
}

// Done 是否已收到结束标记
func (d *Decoder) Done() bool {
	return d.demux.Done()
}

func (d *Decoder) interpret(records []Record) []entity.SSEEvent {
	if len(records) == 0 {
		return nil
	}
	events := make([]entity.SSEEvent, 0, len(records))
	for _, rec := range records {
		ev, ok := d.interp.Interpret(rec)
		if !ok {
			metrics.StreamRecordsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.StreamRecordsTotal.WithLabelValues(string(ev.Kind)).Inc()
		events = append(events, ev)
	}
	return events
}
