package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	bolt "go.etcd.io/bbolt"

	"go.r2bridge.org/internal/config"
	"go.r2bridge.org/internal/dbutil"
	"go.r2bridge.org/internal/gateway/sms/android"
	"go.r2bridge.org/internal/outbox"
)

const (
	appID      = "org.r2bridge"
	appVersion = "0.3.0"
)

var (
	db          *bolt.DB
	loggerInfo  *log.Logger
	loggerDebug *log.Logger
	logger      = log.Default()
)

func main() {
	os.Exit(run())
}

func run() int {
	// read flags
	configDir, err := os.UserConfigDir()
	if err != nil {
		logger.Println("failed to locate config directory:", err)
		return 1
	}
	var (
		flagDebug     = flag.Bool("debug", false, "verbose output for debugging")
		flagVersion   = flag.Bool("version", false, "Print version")
		flagHelp      = flag.Bool("help", false, "Print usage")
		flagDB        = flag.String("db", filepath.Join(configDir, appID, "data.db"), "path to database")
		flagConfig    = flag.String("config", "", "path to YAML config file")
		flagSocket    = flag.String("socket", "", "Unix socket to accept the shell on, overrides shell.socket (default stdin/stdout)")
		flagLogFile   = flag.String("log-file", "", "write logs to this file, rotated, instead of stderr")
		flagDevices   = flag.Bool("devices", false, "discover and save the Android devices reachable via ADB or KDE Connect, then exit")
		flagSetDevice = flag.String("set-device", "", "save the default Android device by Android ID, then exit")
		flagOutbox    = flag.Int("outbox", 0, "print the last N messages of the outbox, then exit")
	)
	flag.Parse()
	switch {
	case *flagVersion:
		fmt.Println(appVersion)
		return 0
	case *flagHelp:
		flag.PrintDefaults()
		return 0
	}
	closeLog := setupLoggers(*flagDebug, *flagLogFile)
	defer closeLog()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		loggerInfo.Println("failed to load config:", err)
		return 1
	}
	if *flagSocket != "" {
		cfg.Shell.Socket = *flagSocket
	}

	db, err = dbutil.Open(*flagDB)
	if err != nil {
		loggerInfo.Println(err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			loggerInfo.Println("failed to close database:", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *flagDevices:
		err = printDevices(ctx)
	case *flagSetDevice != "":
		err = dbutil.UpsertSaveable(db, android.SettingDefaultDevice(*flagSetDevice))
	case *flagOutbox > 0:
		err = printOutbox(*flagOutbox)
	default:
		err = serve(ctx, cfg)
	}
	if err != nil {
		loggerInfo.Println(err)
		return 1
	}
	return 0
}

func printDevices(ctx context.Context) error {
	devs, err := android.Discover(ctx, db)
	if err != nil {
		return fmt.Errorf("device discovery failed: %w", err)
	}
	var def android.SettingDefaultDevice
	_ = dbutil.GetByKey(db, def.DBKey(), &def)
	for _, d := range devs {
		mark := " "
		if d.AndroidID == string(def) {
			mark = "*"
		}
		fmt.Printf("%s %s\n", mark, d)
	}
	return nil
}

func printOutbox(limit int) error {
	ms, err := outbox.List(db, limit)
	if err != nil {
		return err
	}
	for _, m := range ms {
		fmt.Printf("%s %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m)
	}
	return nil
}
