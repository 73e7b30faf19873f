package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// UnknownLiteral 缺失数据的哨兵值
const UnknownLiteral = "Unknown"

// Estimate 可能未知的数值（Gas费用、L1费用、损耗比例等）
// JSON 中已知时编码为数字字符串，未知时编码为 "Unknown"
type Estimate struct {
	Value decimal.Decimal
	Known bool
}

// KnownEstimate 构造已知数值
func KnownEstimate(v decimal.Decimal) Estimate {
	return Estimate{Value: v, Known: true}
}

// UnknownEstimate 构造未知数值
func UnknownEstimate() Estimate {
	return Estimate{}
}

// IsUnknown 是否未知
func (e Estimate) IsUnknown() bool {
	return !e.Known
}

// String 文本表示
func (e Estimate) String() string {
	if !e.Known {
		return UnknownLiteral
	}
	return e.Value.String()
}

// MarshalJSON 实现 json.Marshaler
func (e Estimate) MarshalJSON() ([]byte, error) {
	if !e.Known {
		return json.Marshal(UnknownLiteral)
	}
	return e.Value.MarshalJSON()
}

// UnmarshalJSON 实现 json.Unmarshaler
func (e *Estimate) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`"`+UnknownLiteral+`"`)) {
		*e = UnknownEstimate()
		return nil
	}
	var v decimal.Decimal
	if err := v.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("解析Estimate失败: %w", err)
	}
	*e = KnownEstimate(v)
	return nil
}
