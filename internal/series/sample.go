package series

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Format 描述上游 JSON 的形态。
type Format string

const (
	// FormatAuto 根据首个元素判断：数组为 table，否则为 records。
	FormatAuto Format = ""
	// FormatRecords 为对象数组：[{"time_tag": ..., "kp_index": ...}, ...]
	FormatRecords Format = "records"
	// FormatTable 为带表头的二维数组：[["time_tag","speed"],["2024-...","415.2"]]
	FormatTable Format = "table"
)

// MalformedDataError 表示上游返回的内容无法解析为样本序列。
type MalformedDataError struct {
	Reason string
}

func (e *MalformedDataError) Error() string {
	return "malformed feed data: " + e.Reason
}

// RawSample 是一条未加约束的上游记录，字段名因 feed 而异。
type RawSample struct {
	row    gjson.Result
	header map[string]int
}

// ObjectSample wraps a JSON object as a sample.
func ObjectSample(obj gjson.Result) RawSample {
	return RawSample{row: obj}
}

// Field 返回字段值；不存在时返回零值 Result（Exists()==false）。
// name 一律按字面键名匹配，"." "*" "?" 等不作为 gjson path 语法。
func (s RawSample) Field(name string) gjson.Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return gjson.Result{}
	}
	if s.header != nil {
		idx, ok := s.header[name]
		if !ok {
			return gjson.Result{}
		}
		return s.row.Get(strconv.Itoa(idx))
	}
	return s.row.Get(gjson.Escape(name))
}

// ParseSamples 把上游响应拆成样本序列。非法 JSON 或根节点不是数组时返回 *MalformedDataError。
func ParseSamples(raw []byte, format Format) ([]RawSample, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, &MalformedDataError{Reason: "empty body"}
	}
	if !gjson.ValidBytes(raw) {
		return nil, &MalformedDataError{Reason: "invalid json"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, &MalformedDataError{Reason: "root must be a JSON array"}
	}
	items := root.Array()
	if len(items) == 0 {
		return []RawSample{}, nil
	}
	if format == FormatAuto {
		format = FormatRecords
		if items[0].IsArray() {
			format = FormatTable
		}
	}
	switch format {
	case FormatTable:
		return parseTable(items)
	case FormatRecords:
		out := make([]RawSample, 0, len(items))
		for _, item := range items {
			if !item.IsObject() {
				continue
			}
			out = append(out, ObjectSample(item))
		}
		return out, nil
	default:
		return nil, &MalformedDataError{Reason: fmt.Sprintf("unknown format %q", format)}
	}
}

func parseTable(items []gjson.Result) ([]RawSample, error) {
	head := items[0]
	if !head.IsArray() {
		return nil, &MalformedDataError{Reason: "table product without header row"}
	}
	header := make(map[string]int)
	for idx, col := range head.Array() {
		name := strings.TrimSpace(col.String())
		if name == "" {
			continue
		}
		if _, dup := header[name]; !dup {
			header[name] = idx
		}
	}
	if len(header) == 0 {
		return nil, &MalformedDataError{Reason: "table header is empty"}
	}
	out := make([]RawSample, 0, len(items)-1)
	for _, row := range items[1:] {
		if !row.IsArray() {
			continue
		}
		out = append(out, RawSample{row: row, header: header})
	}
	return out, nil
}
