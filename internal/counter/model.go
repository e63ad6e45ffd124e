package counter

import (
	"fmt"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/DataDog/sketches-go/ddsketch/pb/sketchpb"
	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/proto"
)

// DateLayout formats the daily bucket of counter rows and roll-ups.
const DateLayout = "2006-01-02"

// sketchAccuracy is the relative accuracy of the increment quantiles.
const sketchAccuracy = 0.01

// ParseDate parses a daily bucket date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// DayStart returns the start of the UTC day containing t.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// Subscriptions and raw rows
// =============================================================================

// CounterSubscription identifies an application and the counters it tracks a
// per-identifier distribution for.
type CounterSubscription struct {
	ID    string `json:"id"`
	AppID string `json:"appId"`

	// IdentifierDistribution maps an identifier category to the counter
	// names whose per-identifier distribution is kept.
	IdentifierDistribution map[string][]string `json:"identifierDistribution,omitempty"`
}

// CounterEventData is one raw counter observation awaiting roll-up.
type CounterEventData struct {
	ID                 int64            `json:"id,omitempty"`
	SubscriptionID     string           `json:"subscriptionId"`
	AppID              string           `json:"appId"`
	IdentifierCategory string           `json:"identifierCategory"`
	UniqueIdentifier   string           `json:"uniqueIdentifier"`
	CreatedDate        time.Time        `json:"createdDate"`
	Counters           map[string]int64 `json:"counters"`
}

// FormattedDate returns the row's daily bucket.
func (d *CounterEventData) FormattedDate() string {
	return d.CreatedDate.UTC().Format(DateLayout)
}

// =============================================================================
// Roll-ups
// =============================================================================

// Quantiles summarizes the increments folded into a counter.
type Quantiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
}

// RolledUpCounterData is the aggregate of one counter in one bucket.
type RolledUpCounterData struct {
	CounterName  string           `json:"counterName"`
	TotalCount   int64            `json:"totalCount"`
	UniqueCount  int64            `json:"uniqueCount"`
	Distribution map[string]int64 `json:"distribution,omitempty"`
	Quantiles    *Quantiles       `json:"quantiles,omitempty"`

	// Merge state, persisted so later runs continue from it.
	Sketch       []byte   `json:"sketch,omitempty"`
	UniqueHashes []uint64 `json:"uniqueHashes,omitempty"`

	sketch  *ddsketch.DDSketch
	uniques map[uint64]struct{}
}

func newRolledUpCounterData(name string) *RolledUpCounterData {
	return &RolledUpCounterData{CounterName: name}
}

// restore rebuilds the in-memory merge state from its persisted form.
func (d *RolledUpCounterData) restore() error {
	if d.uniques == nil {
		d.uniques = make(map[uint64]struct{}, len(d.UniqueHashes))
		for _, h := range d.UniqueHashes {
			d.uniques[h] = struct{}{}
		}
	}

	if d.sketch != nil {
		return nil
	}
	if len(d.Sketch) == 0 {
		s, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
		if err != nil {
			return err
		}
		d.sketch = s
		return nil
	}

	var pb sketchpb.DDSketch
	if err := proto.Unmarshal(d.Sketch, &pb); err != nil {
		return fmt.Errorf("decode sketch of %s: %w", d.CounterName, err)
	}
	s, err := ddsketch.FromProto(&pb)
	if err != nil {
		return fmt.Errorf("restore sketch of %s: %w", d.CounterName, err)
	}
	d.sketch = s
	return nil
}

func (d *RolledUpCounterData) add(value int64, identifier string, distribute bool) error {
	if err := d.restore(); err != nil {
		return err
	}

	d.TotalCount += value
	d.sketch.Add(float64(value))

	if identifier != "" {
		d.uniques[xxhash.Sum64String(identifier)] = struct{}{}
		if distribute {
			if d.Distribution == nil {
				d.Distribution = make(map[string]int64)
			}
			d.Distribution[identifier] += value
		}
	}
	return nil
}

// evaluate derives the unique count and quantiles and snapshots the merge
// state into its persisted form.
func (d *RolledUpCounterData) evaluate() error {
	if err := d.restore(); err != nil {
		return err
	}

	d.UniqueCount = int64(len(d.uniques))
	d.UniqueHashes = make([]uint64, 0, len(d.uniques))
	for h := range d.uniques {
		d.UniqueHashes = append(d.UniqueHashes, h)
	}
	sort.Slice(d.UniqueHashes, func(i, j int) bool { return d.UniqueHashes[i] < d.UniqueHashes[j] })

	if d.sketch.GetCount() > 0 {
		p50, _ := d.sketch.GetValueAtQuantile(0.50)
		p90, _ := d.sketch.GetValueAtQuantile(0.90)
		p99, _ := d.sketch.GetValueAtQuantile(0.99)
		d.Quantiles = &Quantiles{P50: p50, P90: p90, P99: p99}
	}

	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(d.sketch.ToProto())
	if err != nil {
		return fmt.Errorf("encode sketch of %s: %w", d.CounterName, err)
	}
	d.Sketch = b
	return nil
}

// view strips the merge state and trims the distribution for readers.
func (d *RolledUpCounterData) view(excludeDistribution bool, distributionLimit int) *RolledUpCounterData {
	out := &RolledUpCounterData{
		CounterName: d.CounterName,
		TotalCount:  d.TotalCount,
		UniqueCount: d.UniqueCount,
		Quantiles:   d.Quantiles,
	}
	if excludeDistribution || len(d.Distribution) == 0 {
		return out
	}

	if distributionLimit <= 0 || distributionLimit >= len(d.Distribution) {
		out.Distribution = make(map[string]int64, len(d.Distribution))
		for k, v := range d.Distribution {
			out.Distribution[k] = v
		}
		return out
	}

	ids := make([]string, 0, len(d.Distribution))
	for id := range d.Distribution {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := d.Distribution[ids[i]], d.Distribution[ids[j]]
		if a != b {
			return a > b
		}
		return ids[i] < ids[j]
	})

	out.Distribution = make(map[string]int64, distributionLimit)
	for _, id := range ids[:distributionLimit] {
		out.Distribution[id] = d.Distribution[id]
	}
	return out
}

// RolledUpCounter aggregates an application's counters for one daily bucket.
type RolledUpCounter struct {
	AppID    string                          `json:"appId"`
	FromDate time.Time                       `json:"fromDate"`
	ToDate   time.Time                       `json:"toDate"`
	Counters map[string]*RolledUpCounterData `json:"counters"`
}

// NewRolledUpCounter creates an empty roll-up for the bucket containing t.
func NewRolledUpCounter(appID string, t time.Time) *RolledUpCounter {
	from := DayStart(t)
	return &RolledUpCounter{
		AppID:    appID,
		FromDate: from,
		ToDate:   from.AddDate(0, 0, 1),
		Counters: make(map[string]*RolledUpCounterData),
	}
}

// ID returns the storage key: app id followed by the bucket date.
func (c *RolledUpCounter) ID() string {
	return c.AppID + c.FromDate.UTC().Format(DateLayout)
}

// Update folds row into the roll-up. distributionCounters names the counters
// whose per-identifier distribution is kept for the row's category.
func (c *RolledUpCounter) Update(row *CounterEventData, distributionCounters []string) error {
	if c.Counters == nil {
		c.Counters = make(map[string]*RolledUpCounterData)
	}

	distribute := make(map[string]bool, len(distributionCounters))
	for _, name := range distributionCounters {
		distribute[name] = true
	}

	names := make([]string, 0, len(row.Counters))
	for name := range row.Counters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d, ok := c.Counters[name]
		if !ok {
			d = newRolledUpCounterData(name)
			c.Counters[name] = d
		}
		if err := d.add(row.Counters[name], row.UniqueIdentifier, distribute[name]); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateUniques finalizes unique counts and quantiles once every row of
// the run has been merged.
func (c *RolledUpCounter) EvaluateUniques() error {
	for _, d := range c.Counters {
		if err := d.evaluate(); err != nil {
			return err
		}
	}
	return nil
}

// View returns a copy for readers, restricted to counterNames when given.
func (c *RolledUpCounter) View(counterNames []string, excludeDistribution bool, distributionLimit int) *RolledUpCounter {
	out := &RolledUpCounter{
		AppID:    c.AppID,
		FromDate: c.FromDate,
		ToDate:   c.ToDate,
		Counters: make(map[string]*RolledUpCounterData, len(c.Counters)),
	}

	if len(counterNames) == 0 {
		for name, d := range c.Counters {
			out.Counters[name] = d.view(excludeDistribution, distributionLimit)
		}
		return out
	}

	for _, name := range counterNames {
		if d, ok := c.Counters[name]; ok {
			out.Counters[name] = d.view(excludeDistribution, distributionLimit)
		}
	}
	return out
}
