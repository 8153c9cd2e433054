package upload

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// progress tracks the shared bytes-uploaded counter across concurrently
// uploading parts, publishing a fine-grained "dot" every 2% of the total and
// a throughput log line every 20%, with CAS-gated first-reporter-wins
// deduplication across goroutines racing to cross the same stride boundary.
type progress struct {
	total        int64
	bytesDone    int64
	lastDotTier  int64
	lastLogTier  int64
	start        time.Time
	lastLogTime  time.Time
	lastLogBytes int64
}

func newProgress(total int64) *progress {
	now := time.Now()
	return &progress{total: total, start: now, lastLogTime: now}
}

// add records n more bytes uploaded for the shared total and publishes any
// dot/log strides that n just crossed. Called from each part's counting
// reader as net/http reads the request body to send it.
func (p *progress) add(n int64) {
	if n == 0 {
		return
	}
	done := atomic.AddInt64(&p.bytesDone, n)
	p.publish(done)
}

// rollback undoes a previously-added contribution, used by the retry
// harness's reset hook when a part upload is retried after a partial write.
func (p *progress) rollback(n int64) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&p.bytesDone, -n)
}

func (p *progress) publish(done int64) {
	if p.total <= 0 {
		return
	}
	p.publishDot(done)
	p.publishLog(done)
}

func (p *progress) publishDot(done int64) {
	tier := percentTier(done, p.total, 2)
	for {
		last := atomic.LoadInt64(&p.lastDotTier)
		if tier <= last {
			return
		}
		if atomic.CompareAndSwapInt64(&p.lastDotTier, last, tier) {
			log.Debug("upload progress", "percent", tier*2)
			return
		}
	}
}

func (p *progress) publishLog(done int64) {
	tier := percentTier(done, p.total, 20)
	for {
		last := atomic.LoadInt64(&p.lastLogTier)
		if tier <= last {
			return
		}
		if atomic.CompareAndSwapInt64(&p.lastLogTier, last, tier) {
			now := time.Now()
			sinceStart := now.Sub(p.start).Seconds()
			sinceLast := now.Sub(p.lastLogTime).Seconds()
			bytesSinceLast := done - p.lastLogBytes
			p.lastLogTime = now
			p.lastLogBytes = done

			var instantThroughput, avgThroughput float64
			if sinceLast > 0 {
				instantThroughput = float64(bytesSinceLast) / sinceLast
			}
			if sinceStart > 0 {
				avgThroughput = float64(done) / sinceStart
			}
			log.Info("upload progress",
				"percent", tier*20,
				"bytesUploaded", done,
				"totalBytes", p.total,
				"instantThroughputBytesPerSec", int64(instantThroughput),
				"avgThroughputBytesPerSec", int64(avgThroughput),
			)
			return
		}
	}
}

// percentTier returns how many stride-sized chunks of total have been
// crossed by done, e.g. stride=2 and done=45% of total returns 22 (44%
// crossed, tier*stride=44).
func percentTier(done, total int64, stride int64) int64 {
	if total <= 0 {
		return 0
	}
	percent := done * 100 / total
	return percent / stride
}

// countingReader wraps a part's request body reader, consumed by net/http
// as it streams the request, and reports bytes passed through to the shared
// progress counter.
type countingReader struct {
	r          interface{ Read([]byte) (int, error) }
	p          *progress
	contributed int64
}

func (c *countingReader) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	if n > 0 {
		atomic.AddInt64(&c.contributed, int64(n))
		c.p.add(int64(n))
	}
	return n, err
}

// resetContribution rolls back whatever this reader has reported so far and
// zeroes its own counter, used as the retry harness's reset hook before a
// part is retried from offset 0.
func (c *countingReader) resetContribution() {
	n := atomic.SwapInt64(&c.contributed, 0)
	c.p.rollback(n)
}
