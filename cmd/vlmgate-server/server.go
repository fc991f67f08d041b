package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cameragenai/vlmgate/pkg/composer"
	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/imageio"
	"github.com/cameragenai/vlmgate/pkg/metrics"
	"github.com/cameragenai/vlmgate/pkg/tokenizer"
	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const healthCheckTimeout = 5 * time.Second

type Server struct {
	conf         *composer.ConfigFile
	ruleComposer *composer.RuleComposerFileBased
	modelRepo    *composer.ModelRepoFileBased
}

func NewServer(conf *composer.ConfigFile) (*Server, error) {
	cliManager := composer.NewProxyClientManager(composer.DebugTransport)

	modelRepo := composer.NewModelRepoFileBased(cliManager, newImageLoader(conf.Images, cliManager), newCounter(conf.Tokenizer))
	if err := modelRepo.UpdateFromConfig(conf); err != nil {
		return nil, fmt.Errorf("failed to update model repo from config: %w", err)
	}
	ruleComposer := composer.NewRuleComposerFileBased(modelRepo,
		composer.Duration(conf.Server.LBRetryTimeout, 5*time.Second), conf.Server.LBRetryCount)
	if err := ruleComposer.UpdateFromConfig(conf); err != nil {
		return nil, fmt.Errorf("failed to update rule composer from config: %w", err)
	}
	return &Server{
		conf:         conf,
		ruleComposer: ruleComposer,
		modelRepo:    modelRepo,
	}, nil
}

func newImageLoader(c composer.ImagesConfig, cliManager *composer.ProxyClientManager) *imageio.Loader {
	loader := imageio.NewLoader(cliManager.GetClient(c.HTTPProxy))
	if c.MaxBytes > 0 {
		loader.MaxBytes = c.MaxBytes
	}
	if c.MaxPixels > 0 {
		loader.MaxPixels = c.MaxPixels
	}
	loader.FetchTimeout = composer.Duration(c.FetchTimeout, loader.FetchTimeout)
	loader.AllowLocalFiles = c.AllowLocalFiles
	loader.LocalRoot = c.LocalRoot
	if c.Concurrency > 0 {
		loader.Concurrency = c.Concurrency
	}
	loader.OnLoaded = metrics.ObserveImage
	return loader
}

func newCounter(c composer.TokenizerConfig) tokenizer.Counter {
	if strings.EqualFold(c.Encoding, "estimate") {
		return tokenizer.Estimate{}
	}
	tk := tokenizer.NewTiktoken(c.Encoding)
	tk.Warm()
	logrus.Infof("[server] loading %s in the background, usage is estimated until it is ready", tk.Name())
	return tk
}

// Handler builds the gin engine with every route and middleware.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), metrics.Middleware())

	corsConfig := cors.DefaultConfig()
	if len(s.conf.Server.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowWildcard = true
		corsConfig.AllowOrigins = s.conf.Server.CORSOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Request-Id")
	r.Use(cors.New(corsConfig))
	if s.conf.Server.GzipEnabled() {
		r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	}

	r.POST("/v1/chat/completions", s.ChatCompletionsHandler())
	r.GET("/v1/models", s.ListModelsHandler())
	r.GET("/v1/models/:id", s.GetModelHandler())
	r.GET("/health", s.HealthHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Server) ChatCompletionsHandler() gin.HandlerFunc {
	return gin.WrapF(vlmgate.ChatCompletionsHandler(s.ruleComposer.Engine()))
}

func (s *Server) ListModelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, openai.ModelList{
			Object: "list",
			Data:   s.ruleComposer.Models(),
		})
	}
}

func (s *Server) GetModelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		model, ok := s.ruleComposer.Model(id)
		if !ok {
			errutils.WriteError(c.Writer, http.StatusNotFound, fmt.Sprintf("Model '%s' not found", id))
			return
		}
		c.JSON(http.StatusOK, model)
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.ruleComposer.Ready(ctx); err != nil {
			logrus.WithContext(ctx).Warnf("[health] %v", err)
			c.JSON(http.StatusOK, healthStatus{Status: "loading", Message: "Model is still loading"})
			return
		}
		c.JSON(http.StatusOK, healthStatus{Status: "ok", Message: "Model is loaded and ready"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request served")
	}
}
