package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// HTTPSource 通过 HTTPS 从投递位置（如 S3 bucket）下载每日文件
type HTTPSource struct {
	httpClient *resty.Client
	pattern    string
	timeout    time.Duration
	logger     *zap.Logger
}

// S3BaseURL 根据 bucket 名推导虚拟主机风格的 S3 地址
func S3BaseURL(bucket string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
}

// NewHTTPSource 创建 HTTP 来源（带超时与有界重试）
// timeout 限制建连、TLS 握手、等待响应头以及单次读取响应体的阻塞时间；
// 不限制整个文件的读取时长，解析大文件时下游的背压不会触发超时
func NewHTTPSource(baseURL, pattern string, timeout time.Duration, retryCount int, logger *zap.Logger) *HTTPSource {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTransport(transport).
		SetRetryCount(retryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只对服务端错误重试；404 表示当日文件未投递
			return err != nil || (resp != nil && resp.StatusCode() >= http.StatusInternalServerError)
		})

	return &HTTPSource{
		httpClient: client,
		pattern:    pattern,
		timeout:    timeout,
		logger:     logger,
	}
}

// Fetch 下载指定日期的文件，返回未解析的响应体
func (s *HTTPSource) Fetch(ctx context.Context, date time.Time) (*File, error) {
	name := FileName(s.pattern, date)

	// 响应体的生命周期长于本函数，由 Close 取消请求
	reqCtx, cancel := context.WithCancel(ctx)

	resp, err := s.httpClient.R().
		SetContext(reqCtx).
		SetDoNotParseResponse(true).
		Get("/" + name)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to download %s: %w", name, err)
	}

	body := resp.RawBody()
	switch {
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusForbidden:
		// S3 对不存在的对象在无 ListBucket 权限时返回 403
		body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s (status %d)", ErrSourceNotFound, name, resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		body.Close()
		cancel()
		return nil, fmt.Errorf("failed to download %s: status %d", name, resp.StatusCode())
	}

	s.logger.Info("Downloaded daily file",
		zap.String("file", name),
		zap.Int64("content_length", resp.RawResponse.ContentLength),
	)

	return &File{Name: name, Body: newStallGuard(body, s.timeout, cancel)}, nil
}

// stallGuard 单次 Read 阻塞超过 timeout 时取消请求；两次 Read 之间的解析耗时不计入
type stallGuard struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
}

func newStallGuard(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *stallGuard {
	g := &stallGuard{body: body, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		g.timer = time.AfterFunc(timeout, cancel)
		g.timer.Stop()
	}
	return g
}

func (g *stallGuard) Read(p []byte) (int, error) {
	if g.timer == nil {
		return g.body.Read(p)
	}
	g.timer.Reset(g.timeout)
	n, err := g.body.Read(p)
	if !g.timer.Stop() && err != nil && err != io.EOF {
		err = fmt.Errorf("source read stalled for more than %s: %w", g.timeout, err)
	}
	return n, err
}

func (g *stallGuard) Close() error {
	if g.timer != nil {
		g.timer.Stop()
	}
	err := g.body.Close()
	g.cancel()
	return err
}
