// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// Bucketer maps samples to a fixed set of buckets.
//
// Bucket i covers [LowerBound(i), LowerBound(i+1)). Bucket NumFiniteBuckets()
// is the overflow bucket and has no upper bound. Samples below LowerBound(0)
// fall into the underflow bucket, index -1.
type Bucketer interface {
	// NumFiniteBuckets returns the number of bounded buckets. It must not
	// change.
	NumFiniteBuckets() int

	// LowerBound returns the inclusive lower bound of bucket i, for i in
	// [0, NumFiniteBuckets()].
	LowerBound(i int) int64

	// BucketIndex returns the bucket of sample, in [-1, NumFiniteBuckets()].
	BucketIndex(sample int64) int
}

// ExponentialBucketer is a Bucketer whose bucket i starts at
// width*i + scale*growth^(i-1). The first bucket starts at 0.
type ExponentialBucketer struct {
	// bounds holds the lower bound of every finite bucket plus that of the
	// overflow bucket.
	bounds []int64
}

const maxExponentialBuckets = 100

// NewExponentialBucketer returns a new ExponentialBucketer. It panics if the
// parameters do not produce strictly increasing bounds.
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < 1 || numFiniteBuckets > maxExponentialBuckets {
		panic(fmt.Sprintf("exponential bucketer with %d buckets, must be in [1, %d]", numFiniteBuckets, maxExponentialBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("exponential bucketer with negative scale %v or growth %v", scale, growth))
	}
	bounds := make([]int64, numFiniteBuckets+1)
	for i := 1; i <= numFiniteBuckets; i++ {
		bounds[i] = int64(float64(width)*float64(i) + scale*math.Pow(growth, float64(i-1)))
		if bounds[i] <= bounds[i-1] {
			panic(fmt.Sprintf("exponential bucketer bound %d is %d, not above %d", i, bounds[i], bounds[i-1]))
		}
	}
	return &ExponentialBucketer{bounds: bounds}
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return len(b.bounds) - 1
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(i int) int64 {
	return b.bounds[i]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	return sort.Search(len(b.bounds), func(i int) bool { return b.bounds[i] > sample }) - 1
}

var _ Bucketer = (*ExponentialBucketer)(nil)

// NewDurationBucketer returns a Bucketer for nanosecond durations. The
// finite buckets grow geometrically from shortest to longest.
func NewDurationBucketer(numFiniteBuckets int, shortest, longest time.Duration) Bucketer {
	if numFiniteBuckets < 2 || shortest <= 0 || longest <= shortest {
		panic(fmt.Sprintf("duration bucketer with %d buckets over [%v, %v]", numFiniteBuckets, shortest, longest))
	}
	growth := math.Pow(float64(longest)/float64(shortest), 1/float64(numFiniteBuckets-1))
	return NewExponentialBucketer(numFiniteBuckets, 0, float64(shortest), growth)
}

// DistributionMetric counts samples per bucket, for each combination of
// field values.
type DistributionMetric struct {
	metadata

	bucketer Bucketer

	// samples[key] holds one counter per bucket, shifted by one so that
	// the underflow bucket is at index 0 and the overflow bucket is last.
	samples [][]atomic.Uint64

	// sums[key] is the sum of all samples added under key.
	sums []atomic.Int64
}

func (d *DistributionMetric) meta() *metadata {
	return &d.metadata
}

// NewDistributionMetric creates and registers a distribution.
func NewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) (*DistributionMetric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	d := &DistributionMetric{
		metadata: metadata{
			name:        name,
			description: description,
			kind:        KindDistribution,
			fieldMapper: f,
		},
		bucketer: bucketer,
		samples:  make([][]atomic.Uint64, f.numKeys()),
		sums:     make([]atomic.Int64, f.numKeys()),
	}
	for key := range d.samples {
		d.samples[key] = make([]atomic.Uint64, bucketer.NumFiniteBuckets()+2)
	}
	if err := register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// MustCreateNewDistributionMetric is NewDistributionMetric, panicking on
// error.
func MustCreateNewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) *DistributionMetric {
	d, err := NewDistributionMetric(name, bucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample records sample. It panics unless exactly one allowed value is
// given per field.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	key := d.fieldMapper.lookup(fields...)
	d.samples[key][d.bucketer.BucketIndex(sample)+1].Add(1)
	d.sums[key].Add(sample)
}

// Count returns the number of samples recorded for the given fields.
func (d *DistributionMetric) Count(fields ...string) uint64 {
	row := d.samples[d.fieldMapper.lookup(fields...)]
	var n uint64
	for i := range row {
		n += row[i].Load()
	}
	return n
}

// TimerMetric is a distribution of operation latencies in nanoseconds.
type TimerMetric struct {
	*DistributionMetric
}

// NewTimerMetric creates and registers a timer. nanoBucketer must bucket
// nanoseconds, see NewDurationBucketer.
func NewTimerMetric(name string, nanoBucketer Bucketer, description string, fields ...Field) (*TimerMetric, error) {
	d, err := NewDistributionMetric(name, nanoBucketer, description, fields...)
	if err != nil {
		return nil, err
	}
	return &TimerMetric{d}, nil
}

// MustCreateNewTimerMetric is NewTimerMetric, panicking on error.
func MustCreateNewTimerMetric(name string, nanoBucketer Bucketer, description string, fields ...Field) *TimerMetric {
	t, err := NewTimerMetric(name, nanoBucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return t
}

// TimedOperation is a running measurement started by TimerMetric.Start.
type TimedOperation struct {
	timer  *TimerMetric
	fields []string
	start  time.Time
}

// Start begins timing an operation. Fields not known yet, such as the
// result, are passed to Finish instead.
func (t *TimerMetric) Start(fields ...string) TimedOperation {
	return TimedOperation{timer: t, fields: fields, start: time.Now()}
}

// Finish records the time since Start under the Start fields followed by
// extraFields.
func (o TimedOperation) Finish(extraFields ...string) {
	fields := append(append([]string(nil), o.fields...), extraFields...)
	o.timer.AddSample(time.Since(o.start).Nanoseconds(), fields...)
}
