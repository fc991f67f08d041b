package loadbalancer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/sirupsen/logrus"
)

type BackendItem struct {
	Name   string // optional
	Weight int
	Engine vlmgate.Engine
}

type wrrBackend struct {
	name          string
	weight        int
	engine        vlmgate.Engine
	currentWeight int
}

// WeightedRoundRobin spreads requests over backends with smooth weighted round robin.
// A failed attempt moves on to the next backend while both the attempt count
// and the time budget allow. Client errors (4xx) are never tried elsewhere.
type WeightedRoundRobin struct {
	mu       sync.Mutex
	backends []*wrrBackend

	retryTimeout  time.Duration
	retryMaxCount int
}

var _ vlmgate.Engine = (*WeightedRoundRobin)(nil)

func NewWeightedRoundRobin(backends []BackendItem, retryTimeout time.Duration, retryMaxCount int) (*WeightedRoundRobin, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("backends must have at least one item")
	}
	// all-zero weights mean equal shares
	allZero := true
	for _, backend := range backends {
		if backend.Weight < 0 {
			return nil, fmt.Errorf("weight must be >= 0")
		}
		if backend.Weight != 0 {
			allZero = false
		}
	}
	if retryMaxCount < 1 {
		retryMaxCount = 1
	}
	wrrBackends := make([]*wrrBackend, len(backends))
	for i, backend := range backends {
		w := backend.Weight
		if allZero {
			w = 100
		}
		wrrBackends[i] = &wrrBackend{
			name:          backend.Name,
			weight:        w,
			engine:        backend.Engine,
			currentWeight: rand.IntN(w + 1),
		}
	}
	return &WeightedRoundRobin{
		backends:      wrrBackends,
		retryTimeout:  retryTimeout,
		retryMaxCount: retryMaxCount,
	}, nil
}

func (l *WeightedRoundRobin) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	log := logrus.WithContext(req.Context())
	start := time.Now()
	attempts := 0
	for {
		name, eng := l.GetNextEngine()
		if eng == nil {
			return nil, fmt.Errorf("no backend with positive weight")
		}
		log.Debugf("[wrr] using backend %s", name)
		resp, err := eng.Process(req)
		if err == nil {
			return resp, nil
		}
		attempts++
		if isClientError(err) || req.Context().Err() != nil {
			return nil, err
		}
		if attempts >= l.retryMaxCount {
			return nil, err
		}
		if l.retryTimeout > 0 && time.Since(start) >= l.retryTimeout {
			log.Warnf("[wrr] time budget %v spent after %d attempts", l.retryTimeout, attempts)
			return nil, err
		}
		log.Warnf("[wrr] backend %s failed (%v), trying next, attempt %d", name, err, attempts)
	}
}

func isClientError(err error) bool {
	he := &errutils.HandlerError{}
	if errors.As(err, &he) {
		return he.StatusCode < http.StatusInternalServerError
	}
	ue := &errutils.UpstreamRespError{}
	if errors.As(err, &ue) {
		return !ue.Retryable()
	}
	return false
}

// GetNextEngine picks the backend with the highest current weight.
func (l *WeightedRoundRobin) GetNextEngine() (string, vlmgate.Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()

	totalWeight := 0
	maxWeight := 0
	var maxWeightBackend *wrrBackend
	for _, backend := range l.backends {
		backend.currentWeight += backend.weight
		totalWeight += backend.weight
		if backend.currentWeight > maxWeight {
			maxWeight = backend.currentWeight
			maxWeightBackend = backend
		}
	}
	if maxWeightBackend == nil {
		return "", nil
	}
	maxWeightBackend.currentWeight -= totalWeight
	return maxWeightBackend.name, maxWeightBackend.engine
}
