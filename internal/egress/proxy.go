package egress

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"
)

const dialTimeout = 15 * time.Second

// Proxy is an HTTP forward proxy that handles CONNECT tunnels and
// absolute-URI requests for registered sandboxes.
type Proxy struct {
	policies *Policies
	logger   *slog.Logger
	forward  *httputil.ReverseProxy
	dial     func(network, addr string) (net.Conn, error)
}

func NewProxy(policies *Policies, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	p := &Proxy{
		policies: policies,
		logger:   logger,
		dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, dialTimeout)
		},
	}
	p.forward = &httputil.ReverseProxy{
		// Incoming forward-proxy requests already carry an absolute URL.
		Rewrite:       func(*httputil.ProxyRequest) {},
		FlushInterval: -1,
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, token, ok := proxyCredentials(r)
	if !ok {
		w.Header().Set("Proxy-Authenticate", `Basic realm="drydock"`)
		http.Error(w, "proxy credentials required", http.StatusProxyAuthRequired)
		return
	}

	target := r.Host
	if r.Method != http.MethodConnect && r.URL.Host != "" {
		target = r.URL.Host
	}
	if !p.policies.Allowed(id, token, target) {
		p.logger.Info("egress denied", "sandbox", id, "host", target)
		http.Error(w, "destination not on the sandbox allow-list", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		p.tunnel(w, r, id)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "forward proxy requests need an absolute URL", http.StatusBadRequest)
		return
	}
	p.forward.ServeHTTP(w, r)
}

func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request, id string) {
	upstream, err := p.dial("tcp", r.Host)
	if err != nil {
		p.logger.Warn("egress dial failed", "sandbox", id, "host", r.Host, "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}
	if n := buffered.Reader.Buffered(); n > 0 {
		pending, _ := buffered.Reader.Peek(n)
		upstream.Write(pending)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pipe(&wg, upstream, client)
	go pipe(&wg, client, upstream)
	wg.Wait()
	client.Close()
	upstream.Close()
}

func pipe(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	io.Copy(dst, src)
	if tcp, ok := dst.(*net.TCPConn); ok {
		tcp.CloseWrite()
	} else {
		dst.Close()
	}
}

// proxyCredentials reads Basic Proxy-Authorization as (sandbox id, token).
func proxyCredentials(r *http.Request) (string, string, bool) {
	header := r.Header.Get("Proxy-Authorization")
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	id, token, ok := strings.Cut(string(decoded), ":")
	if !ok || id == "" || token == "" {
		return "", "", false
	}
	return id, token, true
}
