package sharing_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/matryer/is"
	"github.com/mattjns/friendlink/internal/sharing"
)

func TestPopEmpty(t *testing.T) {
	is := is.New(t)

	q := sharing.NewFixedQueue(0)
	v, ok := q.Pop()
	is.True(!ok)
	is.Equal(len(v), 0)
}

func TestPushPopOrder(t *testing.T) {
	is := is.New(t)

	q := sharing.NewFixedQueue(5)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))

	v, ok := q.Pop()
	is.True(ok)
	is.Equal(string(v), "a")
	v, ok = q.Pop()
	is.True(ok)
	is.Equal(string(v), "b")
	v, ok = q.Pop()
	is.True(ok)
	is.Equal(string(v), "c")
	_, ok = q.Pop()
	is.True(!ok)
}

func TestInterleavedReuse(t *testing.T) {
	is := is.New(t)

	q := sharing.NewFixedQueue(3)
	for i := 0; i < 20; i++ {
		q.Push([]byte{byte(i)})
		v, ok := q.Pop()
		is.True(ok)
		is.Equal(v[0], byte(i))
	}
	_, ok := q.Pop()
	is.True(!ok)
}

func TestFullRingDropsPush(t *testing.T) {
	is := is.New(t)

	q := sharing.NewFixedQueue(2)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c")) // ring full, dropped

	v, ok := q.Pop()
	is.True(ok)
	is.Equal(string(v), "a")
	v, ok = q.Pop()
	is.True(ok)
	is.Equal(string(v), "b")
	_, ok = q.Pop()
	is.True(!ok)
}

// One producer, one consumer: the consumer must observe a subset of the
// pushed values in strict push order, without duplication.
func TestConcurrentSubsetInOrder(t *testing.T) {
	is := is.New(t)

	const n = 10000
	q := sharing.NewFixedQueue(5)

	var produced atomic.Bool
	done := make(chan struct{})
	var got [][]byte
	go func() {
		defer close(done)
		for {
			v, ok := q.Pop()
			if !ok {
				if produced.Load() {
					return
				}
				continue
			}
			got = append(got, v)
		}
	}()

	for i := 0; i < n; i++ {
		q.Push([]byte(fmt.Sprintf("%d", i)))
	}
	produced.Store(true)
	<-done

	last := -1
	for _, v := range got {
		cur := 0
		_, err := fmt.Sscanf(string(v), "%d", &cur)
		is.NoErr(err)
		is.True(cur > last) // strict push order, no duplicates
		last = cur
	}
}
