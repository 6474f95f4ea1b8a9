package market

import "time"

// Source tags where the data in a Result came from.
type Source string

const (
	SourcePush  Source = "push"
	SourceREST  Source = "rest"
	SourceCache Source = "cache"
)

// Result is the envelope every subscriber delivery and one-shot read uses.
// Exactly one of Data/Err is set; Timestamp is the engine-local receive time.
type Result[T any] struct {
	Data      *T        `json:"data"`
	Err       error     `json:"error"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Ok builds a success envelope.
func Ok[T any](data *T, source Source, at time.Time) Result[T] {
	return Result[T]{Data: data, Source: source, Timestamp: at}
}

// Fail builds an error envelope.
func Fail[T any](err error, source Source, at time.Time) Result[T] {
	return Result[T]{Err: err, Source: source, Timestamp: at}
}
