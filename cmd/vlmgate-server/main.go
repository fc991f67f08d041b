package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cameragenai/vlmgate/pkg/composer"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "c", "", "config file path (empty serves the built-in dummy model)")
	flag.Parse()

	conf := composer.DefaultConfig()
	if configFile != "" {
		logrus.Infof("Using config file: %s", configFile)
		var err error
		conf, err = composer.ReadConfigFile(configFile)
		if err != nil {
			logrus.WithError(err).Fatal("failed to read config file")
		}
	}

	level, err := logrus.ParseLevel(conf.Server.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	s, err := NewServer(conf)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build server")
	}

	listen := conf.Server.Listen
	if listen == "" {
		listen = ":8000"
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.Infof("listening %s", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), composer.Duration(conf.Server.ShutdownTimeout, 30*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("graceful shutdown failed")
	}
}
