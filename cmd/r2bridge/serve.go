package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.r2bridge.org/internal/bluetooth"
	"go.r2bridge.org/internal/bluetooth/bluez"
	"go.r2bridge.org/internal/bridge"
	"go.r2bridge.org/internal/channel"
	"go.r2bridge.org/internal/config"
	"go.r2bridge.org/internal/gateway"
	"go.r2bridge.org/internal/gateway/sms/android"
	"go.r2bridge.org/internal/gateway/sms/modem"
	"go.r2bridge.org/internal/gateway/sms/smtp"
	"go.r2bridge.org/internal/outbox"
)

func newSender(cfg *config.Config) (gateway.SenderClient, error) {
	switch cfg.Gateway.Type {
	case config.GatewayAndroid:
		d, err := android.NewSenderClient(db, cfg.Gateway.Android.Device, loggerDebug)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.GatewayModem:
		return modem.New(cfg.Gateway.Modem.Settings()), nil
	case config.GatewaySMTP:
		c, err := smtp.NewSenderClient(cfg.Gateway.SMTP.Account())
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown gateway type %q", cfg.Gateway.Type)
}

func serve(ctx context.Context, cfg *config.Config) error {
	sender, err := newSender(cfg)
	if err != nil {
		return fmt.Errorf("failed to create %s gateway: %w", cfg.Gateway.Type, err)
	}
	loggerDebug.Printf("using gateway %s\n", sender.GatewayName())

	// outcomes are always logged; the notifier also sends them to the shell
	notifier := bridge.NewNotifier(cfg.Shell.NotifyTimeout, loggerDebug)
	defer notifier.Close()
	onSMSResult := func(m outbox.Message) {}
	onAudioEvent := func(e bluetooth.Event) {}
	if cfg.Shell.Notify {
		onSMSResult = notifier.SMSResult
		onAudioEvent = notifier.AudioProfileResult
	}

	ob, err := outbox.New(db, sender, loggerInfo, loggerDebug,
		outbox.Retries(cfg.Outbox.Retries),
		outbox.RetryDelay(cfg.Outbox.RetryDelay),
		outbox.SendLimits(cfg.Outbox.Limits()),
		outbox.OnResult(onSMSResult),
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox: %w", err)
	}
	defer func() {
		if err := ob.Close(context.Background()); err != nil {
			loggerInfo.Println("failed to close gateway:", err)
		}
	}()
	if _, err := ob.Resume(); err != nil {
		loggerInfo.Println("failed to resume outbox:", err)
	}

	adapter, err := bluez.Connect(ctx, cfg.Bluetooth.Adapter, loggerDebug)
	if err != nil {
		return fmt.Errorf("failed to open bluetooth adapter %s: %w", cfg.Bluetooth.Adapter, err)
	}
	defer adapter.Close()
	connector := bluetooth.NewConnector(adapter, loggerInfo, loggerDebug,
		bluetooth.ProxyTimeout(cfg.Bluetooth.ProxyTimeout),
		bluetooth.ConnectTimeout(cfg.Bluetooth.ConnectTimeout),
		bluetooth.OnEvent(onAudioEvent),
	)
	defer connector.Close()

	b, err := bridge.New(ob, connector, loggerInfo, loggerDebug, bridge.WithNotifier(notifier))
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	if cfg.Shell.Socket == "" {
		loggerInfo.Println("serving on stdin/stdout")
		return serveConn(ctx, b, stdio{})
	}
	return serveSocket(ctx, b, cfg.Shell.Socket)
}

// serveSocket serves one shell connection at a time until ctx is cancelled.
func serveSocket(ctx context.Context, b *bridge.Bridge, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	loggerInfo.Printf("listening on %s\n", path)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		loggerDebug.Println("shell connected")
		if err := serveConn(ctx, b, conn); err != nil {
			loggerInfo.Println("shell connection ended:", err)
		} else {
			loggerDebug.Println("shell disconnected")
		}
	}
}

func serveConn(ctx context.Context, b *bridge.Bridge, rw io.ReadWriter) error {
	m := channel.NewStreamMessenger(rw, loggerInfo, loggerDebug)
	defer m.Close()
	if err := b.Attach(m); err != nil {
		return err
	}
	err := m.Serve(ctx)
	m.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

func (stdio) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}
