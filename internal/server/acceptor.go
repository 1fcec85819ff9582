// Package server wires sessions, the registry and the long-running
// executers' wake signals into a running listener. Grounded on the
// teacher's cmd/server/main.go wiring style and internal/ws.Hub's
// register/unregister discipline (internal/ws/hub.go), adapted from an
// HTTP/WebSocket hub to a raw TLS accept loop per spec.md §6.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/session"
	"github.com/alertr/alertrd/internal/storage"
	"github.com/alertr/alertrd/internal/userbackend"
)

// TLSConfig carries the certificate material for the listener.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	ClientCA   string // optional; when set, client certificates are required and verified
	MinVersion uint16 // defaults to tls.VersionTLS12
}

// Acceptor owns the TLS listener and spawns a Session per accepted
// connection. It is the composition root session.Deps is built from.
type Acceptor struct {
	Addr           string
	TLS            TLSConfig
	Storage        storage.Storage
	UserBackend    userbackend.UserBackend
	Registry       *Registry
	Signals        *Signals
	ServerVersion  float64
	ReceiveTimeout time.Duration
	OptionHandler  func(protocol.OptionPayload)

	wg sync.WaitGroup
}

// ListenAndServe builds the TLS listener and accepts connections until ctx
// is cancelled. It blocks until every spawned session has returned.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := a.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("server: tls config: %w", err)
	}

	lis, err := tls.Listen("tcp", a.Addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", a.Addr, err)
	}
	defer lis.Close()

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	slog.Info("server: listening", "addr", a.Addr)
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				a.wg.Wait()
				return nil
			default:
				slog.Error("server: accept failed", "err", err)
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serve(ctx, conn)
		}()
	}
}

func (a *Acceptor) serve(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("server: session panic", "remote", conn.RemoteAddr(), "panic", r)
		}
	}()

	s := session.New(conn, session.Deps{
		Storage:        a.Storage,
		UserBackend:    a.UserBackend,
		Registry:       a.Registry,
		Signals:        a.Signals,
		ServerVersion:  a.ServerVersion,
		ReceiveTimeout: a.ReceiveTimeout,
		OptionHandler:  a.OptionHandler,
	})
	s.Run(ctx)
}

func (a *Acceptor) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(a.TLS.CertFile, a.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	minVersion := a.TLS.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	if a.TLS.ClientCA != "" {
		caBytes, err := os.ReadFile(a.TLS.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("client CA file contains no usable certificates")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
