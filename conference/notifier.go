package conference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"featureserver/store"
)

// Delivery is the outcome of waking one queued caller.
type Delivery struct {
	Address string
	Err     error
}

// Notifier wakes every caller queued on a conference once it has started.
type Notifier struct {
	store       store.Store
	client      *http.Client
	log         *logrus.Entry
	metrics     *Metrics
	timeout     time.Duration
	concurrency int
}

// NewNotifier creates a Notifier. Each delivery is bounded by timeout and at
// most concurrency deliveries run at once.
func NewNotifier(s store.Store, client *http.Client, log *logrus.Entry, m *Metrics, timeout time.Duration, concurrency int) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Notifier{
		store:       s,
		client:      client,
		log:         log,
		metrics:     m,
		timeout:     timeout,
		concurrency: concurrency,
	}
}

// NotifyWaiters sends a StartNotice carrying ownerAddress to every callback
// queued on key, then deletes the wait list. A failed delivery does not stop
// the others and does not keep its entry in the list; failures are returned
// so the caller can see which waiters were stranded. Cancelling ctx does not
// abort the fan-out or the delete; each step is bounded by the delivery
// timeout instead.
func (n *Notifier) NotifyWaiters(ctx context.Context, key, ownerAddress string) ([]Delivery, error) {
	ctx = context.WithoutCancel(ctx)
	listKey := WaitListKey(key)

	listCtx, cancel := n.bounded(ctx)
	addresses, err := n.store.ListSet(listCtx, listKey)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list wait list %s: %w", listKey, err)
	}

	body, err := json.Marshal(StartNotice{OwnerAddress: ownerAddress})
	if err != nil {
		return nil, err
	}

	results := make([]Delivery, len(addresses))
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, addr := range addresses {
		i, addr := i, addr
		g.Go(func() error {
			results[i] = Delivery{Address: addr, Err: n.deliver(ctx, addr, body)}
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, d := range results {
		if d.Err != nil {
			failed++
			n.log.Warnf("wake-up to %s for %s failed: %v", d.Address, key, d.Err)
			n.metrics.wakeups.WithLabelValues("failed").Inc()
			continue
		}
		n.metrics.wakeups.WithLabelValues("delivered").Inc()
	}
	if len(addresses) > 0 {
		n.log.Infof("notified %d waiters for %s (%d failed)", len(addresses)-failed, key, failed)
	}

	delCtx, cancel := n.bounded(ctx)
	defer cancel()
	if _, err := n.store.Delete(delCtx, listKey); err != nil {
		n.log.Errorf("delete wait list %s: %v", listKey, err)
	}
	return results, nil
}

func (n *Notifier) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.timeout)
}

func (n *Notifier) deliver(ctx context.Context, url string, body []byte) error {
	ctx, cancel := n.bounded(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return nil
}

// Stranded returns the addresses whose wake-up was not delivered.
func Stranded(deliveries []Delivery) []string {
	var out []string
	for _, d := range deliveries {
		if d.Err != nil {
			out = append(out, d.Address)
		}
	}
	return out
}
