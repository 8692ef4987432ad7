package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// maxBulkLen bounds a single argument, as Redis' proto-max-bulk-len does.
	maxBulkLen = 512 << 20
	// maxMultiBulk bounds the number of arguments of one command.
	maxMultiBulk = 1024 * 1024
)

var (
	errInvalidProtocol = errors.New("ERR protocol error")
	errInvalidInt      = errors.New("ERR value is not an integer or out of range")
)

// RESPReader is a RESP request parser wrapper around bufio.Reader.
type RESPReader struct {
	rd *bufio.Reader
}

func NewRESPReader(rd *bufio.Reader) *RESPReader {
	return &RESPReader{rd: rd}
}

// ReadCommand reads one command, either a RESP array of bulk strings or an
// inline command such as "PING\r\n".
func (r *RESPReader) ReadCommand() ([][]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}

	if len(line) == 0 || line[0] != '*' {
		fields := bytes.Fields(line)
		args := make([][]byte, len(fields))
		for i, f := range fields {
			args[i] = bytes.Clone(f)
		}
		return args, nil
	}

	count, err := strconv.Atoi(string(line[1:]))
	if err != nil || count < 0 || count > maxMultiBulk {
		return nil, errInvalidProtocol
	}

	// grow with the arguments actually received, not the announced count
	args := make([][]byte, 0, min(count, 16))
	for i := 0; i < count; i++ {
		line, err = r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, errInvalidProtocol
		}

		length, err := strconv.Atoi(string(line[1:]))
		if err != nil || length > maxBulkLen {
			return nil, errInvalidProtocol
		}
		if length < 0 {
			args = append(args, nil)
			continue
		}

		data := make([]byte, length+2)
		if _, err := io.ReadFull(r.rd, data); err != nil {
			return nil, err
		}
		if data[length] != '\r' || data[length+1] != '\n' {
			return nil, errInvalidProtocol
		}
		args = append(args, data[:length])
	}

	return args, nil
}

// readLine returns the next line without its CRLF terminator. The slice is
// only valid until the next read.
func (r *RESPReader) readLine() ([]byte, error) {
	line, err := r.rd.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, errInvalidProtocol
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errInvalidProtocol
	}
	return line[:len(line)-2], nil
}

// Buffered reports whether a pipelined command is already waiting.
func (r *RESPReader) Buffered() bool {
	return r.rd.Buffered() > 0
}

// RESPWriter handles writing RESP responses without fmt.
type RESPWriter struct {
	wr      *bufio.Writer
	scratch []byte // reused buffer for integer formatting
}

func NewRESPWriter(wr *bufio.Writer) *RESPWriter {
	return &RESPWriter{
		wr:      wr,
		scratch: make([]byte, 0, 32),
	}
}

func (w *RESPWriter) WriteError(msg string) {
	w.wr.WriteByte('-')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *RESPWriter) WriteSimpleString(msg string) {
	w.wr.WriteByte('+')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *RESPWriter) WriteBulk(data []byte) {
	w.writeHeader('$', int64(len(data)))
	w.wr.Write(data)
	w.wr.WriteString("\r\n")
}

func (w *RESPWriter) WriteNull() {
	w.wr.WriteString("$-1\r\n")
}

func (w *RESPWriter) WriteInt(n int64) {
	w.writeHeader(':', n)
}

// WriteArray writes the header of an array of n elements. The elements
// follow with further calls.
func (w *RESPWriter) WriteArray(n int) {
	w.writeHeader('*', int64(n))
}

func (w *RESPWriter) writeHeader(prefix byte, n int64) {
	w.wr.WriteByte(prefix)
	w.scratch = strconv.AppendInt(w.scratch[:0], n, 10)
	w.wr.Write(w.scratch)
	w.wr.WriteString("\r\n")
}

func (w *RESPWriter) Flush() error {
	return w.wr.Flush()
}
