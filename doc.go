// Package zipstream writes ZIP and ZIP64 archives as a stream: entries of
// known or unknown size go in, exact bytes come out, and the final archive
// size can be computed to the byte before anything is written.
//
// Compression runs on a bounded pool of workers while the assembler keeps
// entry bytes in Add order (or completion order when requested). The
// estimator applies the same layout rules as the assembler, so for stored
// entries of declared size EstimateStreamSize equals the emitted byte
// count exactly.
//
// Basic usage:
//
//	zw := zipstream.NewZipWriter(out, nil)
//	_, err := zw.Add(ctx, "hello.txt", strings.NewReader("hello"), nil)
//	...
//	err = zw.Close()
package zipstream
