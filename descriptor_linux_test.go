//go:build linux

package iomux

import (
	"testing"

	"github.com/joeycumines/go-iomux/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFile_ReadWrite(t *testing.T) {
	r, w := newPipe(t, 0)

	n, err := w.Write([]byte(`hello`))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, `hello`, string(buf[:n]))

	require.NoError(t, w.Close())
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "end of file")
}

func TestFile_ReadRetriesTransient(t *testing.T) {
	r, _ := newPipe(t, 0)
	var calls int
	stub(t, &sysRead, func(fd int, p []byte) (int, error) {
		calls++
		switch calls {
		case 1, 3:
			return -1, unix.EAGAIN
		case 2:
			return -1, unix.EINTR
		}
		return copy(p, `ok`), nil
	})
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, `ok`, string(buf[:n]))
	assert.Equal(t, 4, calls)
}

func TestFile_WriteRetriesTransient(t *testing.T) {
	_, w := newPipe(t, 0)
	var calls int
	stub(t, &sysWrite, func(fd int, p []byte) (int, error) {
		calls++
		if calls <= 3 {
			return -1, unix.EAGAIN
		}
		return len(p), nil
	})
	n, err := w.Write([]byte(`abc`))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 4, calls)
}

func TestFile_ReadFailure(t *testing.T) {
	r, _ := newPipe(t, 0)
	stub(t, &sysRead, func(int, []byte) (int, error) { return -1, unix.EIO })
	_, err := r.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Equal(t, KindDescriptor, KindOf(err))
	assert.ErrorIs(t, err, unix.EIO)
}

func TestFile_WritevPartial(t *testing.T) {
	_, w := newPipe(t, 0)
	stub(t, &sysWritev, func(fd int, iov [][]byte) (int, error) {
		require.Len(t, iov, 2)
		return len(iov[0]), nil
	})
	buf := &recordingBuffer{write: [][]byte{[]byte(`first`), []byte(`second`)}}
	n, err := w.Writev(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int{5}, buf.afterW)
}

func TestFile_ReadvRetriesTransient(t *testing.T) {
	r, _ := newPipe(t, 0)
	var calls int
	stub(t, &sysReadv, func(fd int, iov [][]byte) (int, error) {
		calls++
		if calls == 1 {
			return -1, unix.EINTR
		}
		return copy(iov[0], `xy`), nil
	})
	buf := &recordingBuffer{read: [][]byte{make([]byte, 4)}}
	n, err := r.Readv(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{2}, buf.afterRead)
	assert.Equal(t, 2, calls)
}

func TestFile_VectorEmpty(t *testing.T) {
	r, w := newPipe(t, 0)
	stub(t, &sysReadv, func(int, [][]byte) (int, error) {
		t.Fatal(`unexpected readv`)
		return 0, nil
	})
	stub(t, &sysWritev, func(int, [][]byte) (int, error) {
		t.Fatal(`unexpected writev`)
		return 0, nil
	})
	buf := &recordingBuffer{read: [][]byte{{}}}
	n, err := r.Readv(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = w.Writev(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, buf.afterRead)
	assert.Empty(t, buf.afterW)
}

func TestFile_ReadvWritevRingBuffer(t *testing.T) {
	r, w := newPipe(t, 0)

	out := ringbuf.New(8)
	_, err := out.Write([]byte(`abcdef`))
	require.NoError(t, err)
	require.Equal(t, 4, out.Discard(4))
	_, err = out.Write([]byte(`ghij`))
	require.NoError(t, err)
	require.Len(t, out.WriteVector(), 2)

	n, err := w.Writev(out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 0, out.Len())

	in := ringbuf.New(16)
	n, err = r.Readv(in)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	got := make([]byte, 6)
	_, err = in.Read(got)
	require.NoError(t, err)
	assert.Equal(t, `efghij`, string(got))
}

func TestFile_NilBuffer(t *testing.T) {
	r, w := newPipe(t, 0)
	_, err := r.Readv(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, KindMisuse, KindOf(err))
	_, err = w.Writev(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFile_Nonblock(t *testing.T) {
	r, _ := newPipe(t, 0)

	flags, err := r.Flags()
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK)

	require.NoError(t, r.SetNonblock())
	flags, err = r.Flags()
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)

	require.NoError(t, r.ClrNonblock())
	flags, err = r.Flags()
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK)
}

func TestFile_SetFlag(t *testing.T) {
	_, w := newPipe(t, 0)
	require.NoError(t, w.SetFlag(unix.O_APPEND|unix.O_NONBLOCK))
	flags, err := w.Flags()
	require.NoError(t, err)
	assert.Equal(t, unix.O_APPEND|unix.O_NONBLOCK, flags&(unix.O_APPEND|unix.O_NONBLOCK))

	require.NoError(t, w.ClrFlag(unix.O_APPEND))
	flags, err = w.Flags()
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_APPEND)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestFile_FlagsRetryInterrupted(t *testing.T) {
	r, _ := newPipe(t, 0)
	var interrupted int
	stub(t, &sysFcntl, func(fd uintptr, cmd int, arg int) (int, error) {
		if interrupted < 2 {
			interrupted++
			return -1, unix.EINTR
		}
		return unix.FcntlInt(fd, cmd, arg)
	})
	require.NoError(t, r.SetNonblock())
	assert.Equal(t, 2, interrupted)
	flags, err := r.Flags()
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestFile_FlagsFailure(t *testing.T) {
	r, _ := newPipe(t, 0)
	stub(t, &sysFcntl, func(uintptr, int, int) (int, error) { return -1, unix.EBADF })
	err := r.SetNonblock()
	assert.Equal(t, KindDescriptor, KindOf(err))
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestFile_Closed(t *testing.T) {
	r, _ := newPipe(t, 0)
	fd := r.Fd()
	require.GreaterOrEqual(t, fd, 0)
	require.NoError(t, r.Close())
	assert.True(t, r.Closed())
	assert.Equal(t, -1, r.Fd())
	require.NoError(t, r.Close(), "close is idempotent")

	for name, fn := range map[string]func() error{
		`read`: func() error {
			_, err := r.Read(make([]byte, 1))
			return err
		},
		`write`: func() error {
			_, err := r.Write([]byte{1})
			return err
		},
		`readv`: func() error {
			_, err := r.Readv(&recordingBuffer{})
			return err
		},
		`writev`: func() error {
			_, err := r.Writev(&recordingBuffer{})
			return err
		},
		`set nonblock`: func() error {
			return r.SetNonblock()
		},
		`clear nonblock`: func() error {
			return r.ClrNonblock()
		},
		`flags`: func() error {
			_, err := r.Flags()
			return err
		},
	} {
		err := fn()
		assert.ErrorIs(t, err, ErrClosed, name)
		assert.Equal(t, KindMisuse, KindOf(err), name)
	}
}

func TestFile_CloseReportsOnce(t *testing.T) {
	r, _ := newPipe(t, 0)
	fd := r.Fd()
	var calls int
	stub(t, &sysClose, func(v int) error {
		calls++
		assert.Equal(t, fd, v)
		_ = unix.Close(v)
		return unix.EINTR
	})
	err := r.Close()
	assert.Equal(t, KindDescriptor, KindOf(err))
	assert.ErrorIs(t, err, unix.EINTR)
	assert.NoError(t, r.Close())
	assert.Equal(t, 1, calls)
}

func TestNewFile_Negative(t *testing.T) {
	f := NewFile(-5)
	assert.True(t, f.Closed())
	assert.Equal(t, -1, f.Fd())
	assert.NoError(t, f.Close())
}

func TestDupFile(t *testing.T) {
	r, w := newPipe(t, 0)
	dup, err := DupFile(w.Fd())
	require.NoError(t, err)
	defer dup.Close()
	assert.NotEqual(t, w.Fd(), dup.Fd())

	flags, err := unix.FcntlInt(uintptr(dup.Fd()), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.FD_CLOEXEC)

	_, err = dup.Write([]byte(`z`))
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = r.Read(b)
	require.NoError(t, err)
	assert.Equal(t, `z`, string(b))

	_, err = DupFile(-1)
	assert.Equal(t, KindDescriptor, KindOf(err))
}

func TestPipe_CloseOnExec(t *testing.T) {
	r, w := newPipe(t, unix.O_NONBLOCK)
	for _, f := range []*File{r, w} {
		fdFlags, err := unix.FcntlInt(uintptr(f.Fd()), unix.F_GETFD, 0)
		require.NoError(t, err)
		assert.NotZero(t, fdFlags&unix.FD_CLOEXEC)
		flags, err := f.Flags()
		require.NoError(t, err)
		assert.NotZero(t, flags&unix.O_NONBLOCK)
	}
}

func TestHandle_MoveRelease(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[1])

	a := NewHandle(p[0])
	assert.Equal(t, p[0], a.Fd())

	b := a.Move()
	assert.True(t, a.Closed())
	assert.Equal(t, p[0], b.Fd())
	assert.NoError(t, a.Close(), "moved-from handle has nothing to close")

	fd := b.Release()
	assert.Equal(t, p[0], fd)
	assert.True(t, b.Closed())
	assert.Equal(t, -1, b.Release())

	c := NewHandle(fd)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	// the descriptor is gone
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestHandle_ReadWrite(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	r, w := NewHandle(p[0]), NewHandle(p[1])
	defer r.Close()
	defer w.Close()

	_, err := w.Write([]byte(`hi`))
	require.NoError(t, err)
	b := make([]byte, 2)
	n, err := r.Read(b)
	require.NoError(t, err)
	assert.Equal(t, `hi`, string(b[:n]))
}
