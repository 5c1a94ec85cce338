package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// httpDestination answers any HTTP request on a raw socket with a fixed body.
func httpDestination(t *testing.T, body string) *net.TCPAddr {
	t.Helper()
	return startDestination(t, func(conn net.Conn) {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	})
}

func startProxy(t *testing.T, c *Client) *Proxy {
	t.Helper()
	p := NewProxy(c, "127.0.0.1:0")
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func TestProxyRelaysHTTPRequest(t *testing.T) {
	srv := startServer(t)
	dest := httpDestination(t, "proxied body")

	c := testClient(t, srv)
	require.NoError(t, c.Connect())
	p := startProxy(t, c)

	proxyURL, err := url.Parse("http://" + p.Addr().String())
	require.NoError(t, err)
	httpClient := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := httpClient.Get(fmt.Sprintf("http://127.0.0.1:%d/path", dest.Port))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proxied body", string(data))
}

func TestProxyRefusesConnect(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)
	require.NoError(t, c.Connect())
	p := startProxy(t, c)

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "501")
}

func TestProxyReportsBadGateway(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)
	require.NoError(t, c.Connect())
	p := startProxy(t, c)

	// A destination that is certainly closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://127.0.0.1:%d/ HTTP/1.1\r\nHost: 127.0.0.1:%d\r\n\r\n", port, port)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "502")
}

func TestDestinationOfDefaultsPort(t *testing.T) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(
		"GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")))
	require.NoError(t, err)

	host, port, err := destinationOf(req)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 80, port)
}

func TestRewriteToOriginStripsAbsoluteForm(t *testing.T) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(
		"GET http://example.com:8080/a/b?q=1 HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")))
	require.NoError(t, err)

	raw, err := rewriteToOrigin(req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "GET /a/b?q=1 HTTP/1.1\r\n"))
	assert.Contains(t, string(raw), "Host: example.com:8080\r\n")
}
