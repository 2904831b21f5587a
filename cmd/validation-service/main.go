package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/entitlements_backend/config"
	"bitbucket.org/mmdatafocus/entitlements_backend/models"
	"bitbucket.org/mmdatafocus/entitlements_backend/smlcheck"
	"bitbucket.org/mmdatafocus/entitlements_backend/utils"
	"bitbucket.org/mmdatafocus/entitlements_backend/validation"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("VALIDATION_SERVICE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var worker *smlcheck.Worker
	var store *models.AsyncValidationStore

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", func(c *gin.Context) {
		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not connected"})
			return
		}
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not reachable"})
			return
		}
		if rdb := config.GetRedisDB(); rdb != nil {
			if err := rdb.Ping(config.GetRedisContext()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "redis not reachable"})
				return
			}
		}
		c.Status(http.StatusNoContent)
	})
	r.Use(func(c *gin.Context) {
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	// Manual "validate now": one extra worker pass, immediately.
	r.POST("/internal/validation/run", func(c *gin.Context) {
		if worker == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "validation worker not running"})
			return
		}
		stats, err := worker.RunOnce(c.Request.Context())
		if errors.Is(err, smlcheck.ErrRunLockHeld) {
			c.JSON(http.StatusConflict, smlcheck.RunResponse{Status: "skipped"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, smlcheck.RunResponse{
			Status:    "completed",
			Processed: stats.Processed,
			Succeeded: stats.Succeeded,
			Failed:    stats.Failed,
			Skipped:   stats.Skipped,
		})
	})

	// Ingestion entry point: evaluate sync rules inline and enqueue the
	// applicable async rules for the worker.
	r.POST("/internal/validation/records", func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		record, err := models.DecodeEntitlementRecord(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg := validation.DecodeRuleConfig([]byte(c.Query("rules")))
		findings, enqueued, err := validation.ProcessRecord(c.Request.Context(), record, cfg, store)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"summary":  validation.BuildRecordSummary(record.ID, findings, enqueued),
			"enqueued": len(enqueued),
		})
	})

	r.GET("/internal/validation/records/:recordId", func(c *gin.Context) {
		rows, err := store.GetRecordValidationRows(c.Request.Context(), c.Param("recordId"))
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, validation.BuildRecordSummary(c.Param("recordId"), nil, rows))
	})

	r.GET("/internal/validation/results", func(c *gin.Context) {
		limit := 100
		rows, err := store.ListAsyncValidationResults(c.Request.Context(),
			strings.ToUpper(strings.TrimSpace(c.Query("status"))), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": rows})
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	store = models.NewAsyncValidationStore(db)

	lookup, err := smlcheck.NewClientFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "smlcheck"}).
			Error("SML lookup client not configured; async validation worker disabled: " + err.Error())
	} else {
		worker = smlcheck.NewWorker(store, lookup, logger, smlcheck.WorkerConfigFromEnv())
		worker.RunLock = config.GetRedisLock()
		go worker.Run(sigCtx)
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
