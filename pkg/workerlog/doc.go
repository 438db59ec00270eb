// Package workerlog ingests the output of a worker process.
//
// A Worker receives raw chunks from the process's output channels through
// Log. The raw channel (stdout by default) is never decoded: every chunk is
// kept as a single quoted entry. The cooperative channel (stderr by default)
// is classified once, from its first chunk: a child that starts with Marker
// speaks the structured protocol, where each record is a JSON object
// terminated by RecordSeparator. Anything else is treated as plain text and
// split into lines.
//
// Decoded entries go to a bounded history (see Ring), to the injected
// core.Sink and, except for raw-channel data, to the worker's notification
// topic through the injected core.Publisher.
//
// Exit flushes whatever undelimited structured fragment is still buffered to
// the sink, exactly once. Chunks delivered after exit are dropped.
package workerlog
