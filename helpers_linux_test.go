//go:build linux

package iomux

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// stub replaces *p for the duration of the test.
func stub[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func newPipe(t *testing.T, flags int) (r, w *File) {
	t.Helper()
	r, w, err := Pipe(flags)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

// kernelInterest parses /proc/self/fdinfo for an epoll descriptor, returning
// the registered descriptors and their kernel event masks.
func kernelInterest(t *testing.T, epfd int) map[int]uint32 {
	t.Helper()
	f, err := os.Open(fmt.Sprintf(`/proc/self/fdinfo/%d`, epfd))
	require.NoError(t, err)
	defer f.Close()
	result := make(map[int]uint32)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != `tfd:` || fields[2] != `events:` {
			continue
		}
		fd, err := strconv.Atoi(fields[1])
		require.NoError(t, err)
		mask, err := strconv.ParseUint(fields[3], 16, 32)
		require.NoError(t, err)
		result[fd] = uint32(mask)
	}
	require.NoError(t, scanner.Err())
	return result
}

// kernelMask is what fdinfo reports for a registration with the given
// events, the kernel always adds EPOLLERR and EPOLLHUP.
func kernelMask(events Events) uint32 {
	return eventsToEpoll(events) | unix.EPOLLERR | unix.EPOLLHUP
}

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *logCapture) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *logCapture) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newCaptureLogger() (*logiface.Logger[logiface.Event], *logCapture) {
	var c logCapture
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(&c),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelTrace),
	)
	return logger.Logger(), &c
}

// recordingBuffer is a Buffer exposing fixed vectors, recording each
// completion.
type recordingBuffer struct {
	read, write       [][]byte
	afterRead, afterW []int
}

func (x *recordingBuffer) ReadVector() [][]byte  { return x.read }
func (x *recordingBuffer) WriteVector() [][]byte { return x.write }
func (x *recordingBuffer) AfterRead(n int)       { x.afterRead = append(x.afterRead, n) }
func (x *recordingBuffer) AfterWrite(n int)      { x.afterW = append(x.afterW, n) }
