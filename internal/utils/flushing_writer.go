package utils

import "io"

type flushableWriter interface {
	io.Writer
	Flush() error
}

type flushingWriter struct {
	destination io.Writer
}

// NewFlushingWriter wraps the destination so every write is flushed
// immediately when the destination supports flushing.
func NewFlushingWriter(destination io.Writer) io.Writer {
	return flushingWriter{destination: destination}
}

// Write forwards the payload and flushes flushable destinations.
func (writer flushingWriter) Write(payload []byte) (int, error) {
	bytesWritten, writeError := writer.destination.Write(payload)
	if writeError != nil {
		return bytesWritten, writeError
	}
	if flushable, supportsFlush := writer.destination.(flushableWriter); supportsFlush {
		if flushError := flushable.Flush(); flushError != nil {
			return bytesWritten, flushError
		}
	}
	return bytesWritten, nil
}
