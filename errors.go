package zipstream

import "errors"

var (
	// ErrInvalidArgument is returned for malformed entry names, illegal
	// options, add-after-close, and declared sizes that disagree with the
	// streamed bytes.
	ErrInvalidArgument = errors.New("zip: invalid argument")

	// ErrUnknownSize is returned by the estimator when an entry compresses
	// (level > 0) and no predicted compressed size was supplied.
	ErrUnknownSize = errors.New("zip: unknown compressed size")

	// ErrCodec is returned when compression or encryption fails mid-stream.
	// The entry enters the failed state and the archive becomes unusable.
	ErrCodec = errors.New("zip: codec failure")

	// ErrAborted is returned when a cancellation is observed, either on a
	// single entry or archive wide.
	ErrAborted = errors.New("zip: aborted")

	// ErrEstimation is returned when the estimator input is internally
	// inconsistent, for example a predicted compressed size that overflows
	// 32 bits without ZIP64 being forced.
	ErrEstimation = errors.New("zip: estimation failed")

	// ErrSink is returned when a write to the downstream sink fails.
	ErrSink = errors.New("zip: sink write failed")
)
