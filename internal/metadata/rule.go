package metadata

// Rule is a layer-level write validation. Expression describes a violation:
// when it evaluates to true the write is rejected with Message. The
// expression env is {record, old, action}.
type Rule struct {
	Field      string `json:"field,omitempty"`
	Expression string `json:"expression" validate:"required"`
	Message    string `json:"message" validate:"required"`
}
