package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with the service fields and a few domain helpers
type Logger struct {
	*zap.Logger
	serviceName    string
	serviceVersion string
}

// LogFields represents structured log fields
type LogFields map[string]interface{}

// CorrelationIDKey is the context key for correlation ID
type CorrelationIDKey struct{}

var (
	globalLogger *Logger
	loggerMu     sync.RWMutex
	nopLogger    = &Logger{Logger: zap.NewNop()}
)

// InitLogger initializes the global logger
func InitLogger(serviceName, serviceVersion, logLevel, logFormat string) error {
	var config zap.Config
	if logFormat == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	config.InitialFields = map[string]interface{}{
		"service":  serviceName,
		"version":  serviceVersion,
		"hostname": getHostname(),
		"pid":      os.Getpid(),
	}

	zapLogger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	loggerMu.Lock()
	globalLogger = &Logger{
		Logger:         zapLogger,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
	}
	loggerMu.Unlock()

	return nil
}

// GetLogger returns the global logger, or a no-op logger before InitLogger ran.
func GetLogger() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if globalLogger == nil {
		return nopLogger
	}
	return globalLogger
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey{}, correlationID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(CorrelationIDKey{}).(string); ok {
		return correlationID
	}
	return ""
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.New().String()
}

func (l *Logger) derive(z *zap.Logger) *Logger {
	return &Logger{
		Logger:         z,
		serviceName:    l.serviceName,
		serviceVersion: l.serviceVersion,
	}
}

// WithFields creates a logger with additional fields
func (l *Logger) WithFields(fields LogFields) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zapFields = append(zapFields, zap.Any(key, value))
	}
	return l.derive(l.Logger.With(zapFields...))
}

// WithContext adds the correlation id carried by ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		return l.WithFields(LogFields{"correlation_id": correlationID})
	}
	return l
}

// WithError creates a logger with error information
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.Logger.With(zap.Error(err)))
}

// WithStack creates a logger with stack trace
func (l *Logger) WithStack() *Logger {
	stack := make([]byte, 1024)
	length := runtime.Stack(stack, false)
	return l.derive(l.Logger.With(zap.String("stack", string(stack[:length]))))
}

func mergeFields(base, extra LogFields) LogFields {
	for key, value := range extra {
		base[key] = value
	}
	return base
}

// LogRequest logs HTTP request information
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, fields LogFields) {
	logger := l.WithContext(ctx).WithFields(mergeFields(LogFields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}, fields))

	switch {
	case statusCode >= 500:
		logger.Error("HTTP request completed with error")
	case statusCode >= 400:
		logger.Warn("HTTP request rejected")
	default:
		logger.Info("HTTP request completed")
	}
}

// LogDatabaseOperation logs database operation
func (l *Logger) LogDatabaseOperation(ctx context.Context, operation, table string, duration time.Duration, err error, fields LogFields) {
	logger := l.WithContext(ctx).WithFields(mergeFields(LogFields{
		"operation":   operation,
		"table":       table,
		"duration_ms": duration.Milliseconds(),
	}, fields))

	if err != nil {
		logger.WithError(err).Error("Database operation failed")
	} else {
		logger.Debug("Database operation completed")
	}
}

// LogCacheOperation logs cache operation
func (l *Logger) LogCacheOperation(ctx context.Context, operation, key string, hit bool, duration time.Duration, err error) {
	logger := l.WithContext(ctx).WithFields(LogFields{
		"operation":   operation,
		"key":         key,
		"hit":         hit,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		logger.WithError(err).Warn("Cache operation failed")
	} else {
		logger.Debug("Cache operation completed")
	}
}

// LogAPICall logs an upstream call (dataset or source fetch)
func (l *Logger) LogAPICall(ctx context.Context, service, endpoint, method string, statusCode int, duration time.Duration, err error, fields LogFields) {
	logger := l.WithContext(ctx).WithFields(mergeFields(LogFields{
		"service":     service,
		"endpoint":    endpoint,
		"method":      method,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}, fields))

	switch {
	case err != nil:
		logger.WithError(err).Error("API call failed")
	case statusCode >= 400:
		logger.Error("API call completed with error")
	default:
		logger.Info("API call completed")
	}
}

// LogWorkerOperation logs worker pool operation
func (l *Logger) LogWorkerOperation(operation string, workerID int, jobName string, duration time.Duration, err error) {
	logger := l.WithFields(LogFields{
		"operation":   operation,
		"worker_id":   workerID,
		"job":         jobName,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		logger.WithError(err).Error("Worker operation failed")
	} else {
		logger.Debug("Worker operation completed")
	}
}

// LogRateLimit logs rate limiting event
func (l *Logger) LogRateLimit(ctx context.Context, key string, limit int, window time.Duration) {
	l.WithContext(ctx).WithFields(LogFields{
		"rate_limit_key": key,
		"limit":          limit,
		"window_seconds": window.Seconds(),
	}).Warn("Rate limit exceeded")
}

// LogCircuitBreaker logs circuit breaker state change
func (l *Logger) LogCircuitBreaker(service, from, to string, failureCount int) {
	l.WithFields(LogFields{
		"service":       service,
		"from":          from,
		"state":         to,
		"failure_count": failureCount,
	}).Info("Circuit breaker state changed")
}

// LogSecurity logs security-related events
func (l *Logger) LogSecurity(ctx context.Context, event, severity string, fields LogFields) {
	logger := l.WithContext(ctx).WithFields(mergeFields(LogFields{
		"event":    event,
		"severity": severity,
	}, fields))

	switch severity {
	case "critical":
		logger.Error("Security event: " + event)
	case "high":
		logger.Warn("Security event: " + event)
	default:
		logger.Info("Security event: " + event)
	}
}

// LogRefresh logs the outcome of a display layer rebuild
func (l *Logger) LogRefresh(ctx context.Context, layerID string, cfg FilterConfig, markers, skipped int, duration time.Duration, err error) {
	logger := l.WithContext(ctx).WithFields(LogFields{
		"layer_id":           layerID,
		"exclude_exhibits":   cfg.ExcludeExhibits,
		"missing_image_only": cfg.MissingImageOnly,
		"markers":            markers,
		"skipped":            skipped,
		"duration_ms":        duration.Milliseconds(),
	})

	if err != nil {
		logger.WithError(err).Warn("Layer refresh not applied")
	} else {
		logger.Info("Layer refreshed")
	}
}

// getHostname returns the hostname
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// LoggingMiddleware assigns a correlation id and logs each request
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = GenerateCorrelationID()
		}

		ctx := WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		GetLogger().LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), LogFields{
			"user_agent":  c.GetHeader("User-Agent"),
			"remote_addr": c.ClientIP(),
		})
	}
}

// ErrorHandler handles panics
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				GetLogger().WithContext(c.Request.Context()).
					WithFields(LogFields{
						"panic": err,
						"path":  c.Request.URL.Path,
					}).
					WithStack().
					Error("Panic recovered")

				c.AbortWithStatusJSON(500, gin.H{
					"error":   "Internal server error",
					"message": "An unexpected error occurred",
				})
			}
		}()

		c.Next()
	}
}
