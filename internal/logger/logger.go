package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"trade-tracker-go/internal/models"
)

// NewLogger creates a new zap.Logger instance. The "json" format selects the
// production encoder; anything else gets the human readable console encoder.
func NewLogger(level string, format string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Trade returns the identifying fields logged with every trade event.
func Trade(t *models.Trade) []zap.Field {
	fields := []zap.Field{
		zap.String("symbol", t.Symbol),
		zap.String("buy_order_id", t.BuyOrderID),
		zap.String("status", string(t.Status)),
	}
	if t.SellOrderID != "" {
		fields = append(fields, zap.String("sell_order_id", t.SellOrderID))
	}
	return fields
}
