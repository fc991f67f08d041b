package composer

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProxyClientManager hands out one shared http.Client per upstream proxy.
type ProxyClientManager struct {
	mu            sync.Mutex
	cliMap        map[string]*http.Client
	defaultClient *http.Client
	trWrapper     func(base http.RoundTripper) http.RoundTripper
}

// NewProxyClientManager creates a ProxyClientManager.
// When trWrapper is non-nil it wraps every base transport, proxied or not.
func NewProxyClientManager(trWrapper func(base http.RoundTripper) http.RoundTripper) *ProxyClientManager {
	pcm := &ProxyClientManager{
		cliMap:    make(map[string]*http.Client),
		trWrapper: trWrapper,
	}
	pcm.defaultClient = pcm.newClient(nil)
	return pcm
}

// GetClient returns the client that sends through proxyURL.
// An empty or unparsable proxyURL yields the direct client.
func (pcm *ProxyClientManager) GetClient(proxyURL string) *http.Client {
	if proxyURL == "" {
		return pcm.defaultClient
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		logrus.Warnf("[composer] ignoring invalid proxy %q: %v", proxyURL, err)
		return pcm.defaultClient
	}

	pcm.mu.Lock()
	defer pcm.mu.Unlock()

	if cli, ok := pcm.cliMap[proxyURL]; ok {
		return cli
	}

	cli := pcm.newClient(u)
	pcm.cliMap[proxyURL] = cli
	return cli
}

// GetClientWithTimeout is GetClient with an overall per-request timeout. The transport stays shared.
func (pcm *ProxyClientManager) GetClientWithTimeout(proxyURL string, timeout time.Duration) *http.Client {
	cli := pcm.GetClient(proxyURL)
	if timeout <= 0 {
		return cli
	}
	withTimeout := *cli
	withTimeout.Timeout = timeout
	return &withTimeout
}

func (pcm *ProxyClientManager) newClient(proxyURL *url.URL) *http.Client {
	baseTr := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != nil {
		baseTr.Proxy = http.ProxyURL(proxyURL)
	}

	var tr http.RoundTripper = baseTr
	if pcm.trWrapper != nil {
		tr = pcm.trWrapper(baseTr)
	}

	return &http.Client{Transport: tr}
}

// DebugTransport logs every outgoing request at debug level.
func DebugTransport(base http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := base.RoundTrip(req)
		log := logrus.WithContext(req.Context())
		if err != nil {
			log.Debugf("[upstream] %s %s failed after %s: %v", req.Method, req.URL.Redacted(), time.Since(start), err)
			return nil, err
		}
		log.Debugf("[upstream] %s %s -> %d in %s", req.Method, req.URL.Redacted(), resp.StatusCode, time.Since(start))
		return resp, nil
	})
}

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
