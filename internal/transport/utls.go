// =============================================================================
// 文件: internal/transport/utls.go
// 描述: uTLS 客户端封装 - 为 "tls" 路径传输提供浏览器指纹化的 ClientHello
// 依赖: github.com/refraction-networking/utls
// =============================================================================
package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Fingerprint 浏览器指纹类型
type Fingerprint string

const (
	FingerprintChrome  Fingerprint = "chrome"
	FingerprintFirefox Fingerprint = "firefox"
	FingerprintSafari  Fingerprint = "safari"
	FingerprintIOS     Fingerprint = "ios"
	FingerprintEdge    Fingerprint = "edge"
)

// UTLSConfig uTLS 客户端配置。仅保留 dialPathConn 实际用到的旋钮；
// ECH、ClientHello 分片、TLS 记录填充在 hopveil 里都没有调用方，已移除。
type UTLSConfig struct {
	ServerName  string      // SNI 域名，由 PathTLSHost 覆盖
	Fingerprint Fingerprint // 浏览器指纹

	InsecureSkipVerify bool           // 跳过证书验证
	RootCAs            *x509.CertPool // 根证书池

	ALPN       []string // ALPN 协议列表
	MinVersion uint16   // 最低 TLS 版本
	MaxVersion uint16   // 最高 TLS 版本

	HandshakeTimeout time.Duration

	LogLevel int
}

// DefaultUTLSConfig 默认配置
func DefaultUTLSConfig() *UTLSConfig {
	return &UTLSConfig{
		Fingerprint:        FingerprintChrome,
		InsecureSkipVerify: true,
		ALPN:               []string{"h2", "http/1.1"},
		MinVersion:         utls.VersionTLS12,
		MaxVersion:         utls.VersionTLS13,
		HandshakeTimeout:   10 * time.Second,
		LogLevel:           1,
	}
}

// UTLSClient dials a TCP socket and performs a uTLS handshake that mimics
// a real browser's ClientHello, for use as a "tls" path transport.
type UTLSClient struct {
	config *UTLSConfig

	stats UTLSStats
}

// UTLSStats 统计信息
type UTLSStats struct {
	TotalConnections   uint64
	SuccessConnections uint64
	FailedConnections  uint64
}

// NewUTLSClient 创建 uTLS 客户端
func NewUTLSClient(config *UTLSConfig) *UTLSClient {
	if config == nil {
		config = DefaultUTLSConfig()
	}
	return &UTLSClient{config: config}
}

// getClientHelloID 获取 uTLS ClientHelloID
func (c *UTLSClient) getClientHelloID() utls.ClientHelloID {
	switch c.config.Fingerprint {
	case FingerprintChrome:
		return utls.HelloChrome_Auto
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto
	case FingerprintSafari:
		return utls.HelloSafari_Auto
	case FingerprintIOS:
		return utls.HelloIOS_Auto
	case FingerprintEdge:
		return utls.HelloEdge_Auto
	default:
		return utls.HelloChrome_Auto
	}
}

// SetServerName overrides the SNI sent on the next Dial/DialWithConn call.
func (c *UTLSClient) SetServerName(name string) {
	c.config.ServerName = name
}

// Dial 建立 TLS 连接
func (c *UTLSClient) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.DialWithConn(ctx, nil, network, addr)
}

// DialWithConn 使用已有连接建立 TLS，conn 为 nil 时先拨一个新的 TCP 连接。
func (c *UTLSClient) DialWithConn(ctx context.Context, conn net.Conn, network, addr string) (net.Conn, error) {
	atomic.AddUint64(&c.stats.TotalConnections, 1)

	var err error
	if conn == nil {
		dialer := &net.Dialer{Timeout: c.config.HandshakeTimeout}
		conn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			atomic.AddUint64(&c.stats.FailedConnections, 1)
			return nil, fmt.Errorf("连接失败: %w", err)
		}
	}

	serverName := c.config.ServerName
	if serverName == "" {
		host, _, _ := net.SplitHostPort(addr)
		serverName = host
	}

	tlsConfig := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.config.InsecureSkipVerify,
		RootCAs:            c.config.RootCAs,
		NextProtos:         c.config.ALPN,
		MinVersion:         c.config.MinVersion,
		MaxVersion:         c.config.MaxVersion,
	}

	clientHelloID := c.getClientHelloID()
	utlsConn := utls.UClient(conn, tlsConfig, clientHelloID)

	if err := c.normalHandshake(ctx, utlsConn); err != nil {
		conn.Close()
		atomic.AddUint64(&c.stats.FailedConnections, 1)
		return nil, fmt.Errorf("TLS 握手失败: %w", err)
	}

	atomic.AddUint64(&c.stats.SuccessConnections, 1)
	c.log(2, "TLS 连接建立: SNI=%s, Fingerprint=%s, ALPN=%s, Version=0x%04x",
		serverName, c.config.Fingerprint,
		utlsConn.ConnectionState().NegotiatedProtocol,
		utlsConn.ConnectionState().Version)

	return utlsConn, nil
}

// normalHandshake 普通握手
func (c *UTLSClient) normalHandshake(ctx context.Context, conn *utls.UConn) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- conn.Handshake()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.config.HandshakeTimeout):
		return fmt.Errorf("握手超时")
	}
}

// log 日志输出
func (c *UTLSClient) log(level int, format string, args ...interface{}) {
	if level > c.config.LogLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [uTLS] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
