package pool

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerPool(t *testing.T) {
	assert := assert.New(t)

	t.Run("Get and Put", func(t *testing.T) {
		timer1 := GetTimer(time.Second)
		assert.NotNil(timer1)
		PutTimer(timer1)

		timer2 := GetTimer(20 * time.Millisecond)
		assert.NotNil(timer2)
		<-timer2.C
		PutTimer(timer2)
	})

	t.Run("Reused timer does not fire early", func(t *testing.T) {
		timer1 := GetTimer(10 * time.Millisecond)
		time.Sleep(30 * time.Millisecond) // let it fire without draining
		PutTimer(timer1)

		begin := time.Now()
		timer2 := GetTimer(100 * time.Millisecond)
		select {
		case tt := <-timer2.C:
			assert.GreaterOrEqual(tt.Sub(begin), 90*time.Millisecond)
		case <-time.After(300 * time.Millisecond):
			t.Error("timer2 should have fired")
		}
		PutTimer(timer2)
	})

	t.Run("Concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				timer := GetTimer(5 * time.Millisecond)
				defer PutTimer(timer)
				<-timer.C
			}()
		}
		wg.Wait()
	})
}

func TestBufferPool(t *testing.T) {
	assert := assert.New(t)

	buf := GetBuffer()
	buf.WriteString("LINKDRAGON:PING")
	PutBuffer(buf)

	buf = GetBuffer()
	assert.Zero(buf.Len())

	big := GetBuffer()
	big.WriteString(strings.Repeat("x", maxPooledBufferSize+1))
	PutBuffer(big) // dropped, must not panic
	PutBuffer(nil)
}
