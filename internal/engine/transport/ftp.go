package transport

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/ctdl/dget/internal/engine/enginerr"
	"github.com/ctdl/dget/internal/engine/resource"
)

// ftpClient drives one FTP control connection plus, per Open call, one data
// connection (passive mode, falling back to active mode when PASV fails). Grounded on goftp's control/data split and
// its SIZE/REST/RETR sequencing, simplified to the engine's one-range-per-
// Open capability shape.
type ftpClient struct {
	url  *resource.URL
	opts Options

	ctrl *textproto.Conn
	conn net.Conn
	data net.Conn
}

func newFTPClient(u *resource.URL, opts Options) *ftpClient {
	return &ftpClient{url: u, opts: opts}
}

func (c *ftpClient) dial(ctx context.Context) error {
	conn, err := c.opts.dial(ctx, c.url.Authority())
	if err != nil {
		return wrapDialError(err)
	}
	c.conn = conn
	c.ctrl = textproto.NewConn(conn)

	if _, _, err := c.ctrl.ReadResponse(220); err != nil {
		return fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}

	user, pass := c.url.User, c.url.Pass
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}

	if err := c.ctrl.PrintfLine("USER %s", user); err != nil {
		return fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	code, msg, err := c.ctrl.ReadResponse(0)
	if err != nil {
		return fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	if code == 331 { // need password
		if err := c.ctrl.PrintfLine("PASS %s", pass); err != nil {
			return fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
		}
		if code, msg, err = c.ctrl.ReadResponse(0); err != nil {
			return fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
		}
	}
	if code != 230 {
		return &enginerr.TransportError{Status: code, Detail: "login failed: " + msg}
	}

	if err := c.ctrl.PrintfLine("TYPE I"); err != nil {
		return fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	if code, msg, err = c.ctrl.ReadResponse(200); err != nil {
		return &enginerr.TransportError{Status: code, Detail: msg}
	}

	return nil
}

func (c *ftpClient) Open(ctx context.Context, start, end int64) (OpenResult, error) {
	if c.ctrl == nil {
		if err := c.dial(ctx); err != nil {
			return OpenResult{}, err
		}
	}

	totalSize := int64(-1)
	if err := c.ctrl.PrintfLine("SIZE %s", c.url.Path); err == nil {
		if code, msg, rerr := c.ctrl.ReadResponse(0); rerr == nil && code == 213 {
			if n, perr := strconv.ParseInt(strings.TrimSpace(msg), 10, 64); perr == nil {
				totalSize = n
			}
		}
	}

	supported := false
	if start > 0 {
		if err := c.ctrl.PrintfLine("REST %d", start); err != nil {
			return OpenResult{}, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
		}
		code, _, err := c.ctrl.ReadResponse(0)
		if err != nil {
			return OpenResult{}, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
		}
		supported = code == 350 || (code >= 200 && code < 300)
	} else {
		// REST 0 is how a fresh, from-the-start range confirms support
		// without actually displacing the read position.
		if err := c.ctrl.PrintfLine("REST 0"); err == nil {
			code, _, _ := c.ctrl.ReadResponse(0)
			supported = code == 350 || (code >= 200 && code < 300)
		}
	}

	data, err := c.openPassiveData(ctx)
	if err != nil {
		return OpenResult{}, err
	}
	c.data = data

	if err := c.ctrl.PrintfLine("RETR %s", c.url.Path); err != nil {
		return OpenResult{}, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	code, msg, err := c.ctrl.ReadResponse(0)
	if err != nil {
		return OpenResult{}, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	if code != 150 && code != 125 {
		data.Close()
		return OpenResult{}, &enginerr.TransportError{Status: code, Detail: msg}
	}

	return OpenResult{Supported: supported, TotalSize: totalSize}, nil
}

// openPassiveData issues PASV and dials the returned data port, falling
// back to active mode (PORT) when PASV is rejected.
func (c *ftpClient) openPassiveData(ctx context.Context) (net.Conn, error) {
	if err := c.ctrl.PrintfLine("PASV"); err != nil {
		return nil, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	code, msg, err := c.ctrl.ReadResponse(227)
	if err != nil || code != 227 {
		return c.openActiveData(ctx)
	}

	host, port, perr := parsePASV(msg)
	if perr != nil {
		return c.openActiveData(ctx)
	}

	conn, err := c.opts.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	return conn, nil
}

// openActiveData is the PORT-mode fallback: listen locally and tell the
// server to connect back to us.
func (c *ftpClient) openActiveData(ctx context.Context) (net.Conn, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	localIP := c.conn.LocalAddr().(*net.TCPAddr).IP.To4()
	if localIP == nil {
		return nil, fmt.Errorf("%w: active mode requires an IPv4 control connection", enginerr.ErrConnect)
	}
	p1, p2 := addr.Port/256, addr.Port%256
	cmd := fmt.Sprintf("PORT %d,%d,%d,%d,%d,%d", localIP[0], localIP[1], localIP[2], localIP[3], p1, p2)
	if err := c.ctrl.PrintfLine("%s", cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", enginerr.ErrConnect, err)
	}
	if code, msg, err := c.ctrl.ReadResponse(200); err != nil || code != 200 {
		return nil, &enginerr.TransportError{Status: code, Detail: msg}
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- acceptResult{conn, err}
	}()

	select {
	case r := <-accepted:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", enginerr.ErrConnect, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", enginerr.ErrIoTimeout, ctx.Err())
	}
}

// parsePASV parses "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)."
func parsePASV(msg string) (string, int, error) {
	open := strings.IndexByte(msg, '(')
	close := strings.IndexByte(msg, ')')
	if open < 0 || close < 0 || close < open {
		return "", 0, fmt.Errorf("malformed PASV reply: %s", msg)
	}
	parts := strings.Split(msg[open+1:close], ",")
	if len(parts) != 6 {
		return "", 0, fmt.Errorf("malformed PASV reply: %s", msg)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", 0, fmt.Errorf("malformed PASV reply: %s", msg)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port := nums[4]*256 + nums[5]
	return host, port, nil
}

func (c *ftpClient) Read(p []byte) (int, error) {
	if c.data == nil {
		return 0, fmt.Errorf("%w: read before open", enginerr.ErrConnect)
	}
	return c.data.Read(p)
}

func (c *ftpClient) Close() error {
	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
	if c.ctrl != nil {
		c.ctrl.PrintfLine("QUIT")
		c.ctrl.Close()
		c.ctrl = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}
