package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/firose-git/AutoVolt-sub003/internal/aggregator"
	"github.com/firose-git/AutoVolt-sub003/internal/analytics"
	"github.com/firose-git/AutoVolt-sub003/internal/events"
	"github.com/firose-git/AutoVolt-sub003/internal/ingest"
	"github.com/firose-git/AutoVolt-sub003/internal/storage"
	"github.com/firose-git/AutoVolt-sub003/internal/summary"
)

type Server struct {
	router     *gin.Engine
	server     *http.Server
	db         *storage.Database
	ingest     *ingest.Service
	events     *events.Service
	aggregator *aggregator.Service
	summary    *summary.Service
	analytics  *analytics.Service
	port       int
}

type ServerConfig struct {
	Port       int
	Database   *storage.Database
	Ingest     *ingest.Service
	Events     *events.Service
	Aggregator *aggregator.Service
	Summary    *summary.Service
	Analytics  *analytics.Service
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:     router,
		db:         cfg.Database,
		ingest:     cfg.Ingest,
		events:     cfg.Events,
		aggregator: cfg.Aggregator,
		summary:    cfg.Summary,
		analytics:  cfg.Analytics,
		port:       cfg.Port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthHandler)

	// API routes
	api := s.router.Group("/api/v1")
	{
		api.POST("/devices/:id/readings", s.submitReadingHandler)
		api.POST("/devices/:id/sync", s.syncReadingsHandler)
		api.POST("/devices/:id/switches/:switchId/transition", s.transitionHandler)

		api.GET("/devices/:id/power", s.currentPowerHandler)
		api.GET("/devices/:id/consumption/daily", s.dailyConsumptionHandler)
		api.GET("/devices/:id/consumption/monthly", s.monthlyConsumptionHandler)
		api.GET("/devices/:id/consumption/yearly", s.yearlyConsumptionHandler)
		api.GET("/devices/:id/consumption/hourly", s.hourlyConsumptionHandler)
		api.GET("/devices/:id/consumption/switches", s.perSwitchConsumptionHandler)

		api.GET("/devices/:id/settings", s.getSettingsHandler)
		api.PUT("/devices/:id/settings", s.updateSettingsHandler)

		api.GET("/summary", s.summaryHandler)
		api.GET("/summary/devices", s.deviceSummaryHandler)
		api.GET("/summary/classrooms", s.classroomSummaryHandler)

		api.GET("/analytics/:id/forecast", s.forecastHandler)
		api.GET("/analytics/:id/anomalies", s.anomaliesHandler)
		api.GET("/analytics/:id/peak-hours", s.peakHoursHandler)
		api.GET("/analytics/:id/cost-comparison", s.costComparisonHandler)

		api.GET("/aggregation/status", s.aggregationStatusHandler)
		api.POST("/aggregation/run", s.aggregationRunHandler)
		api.POST("/aggregation/backfill", s.backfillHandler)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	log.Printf("API server starting on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	status := s.aggregator.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"aggregator_running": status.Running,
		"timestamp":          time.Now(),
	})
}

// --- Ingestion ---

type readingRequest struct {
	Voltage        float64 `json:"voltage"`
	Current        float64 `json:"current"`
	Power          float64 `json:"power"`
	ActiveSwitches int     `json:"activeSwitches,omitempty"`
	TotalSwitches  int     `json:"totalSwitches,omitempty"`
	Timestamp      int64   `json:"timestamp,omitempty"`
}

func (s *Server) submitReadingHandler(c *gin.Context) {
	deviceID := c.Param("id")

	var req readingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	var ts time.Time
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0)
	}

	reading, err := s.ingest.SubmitSample(deviceID, ingest.Sample{
		Timestamp:      ts,
		Voltage:        req.Voltage,
		Current:        req.Current,
		Power:          req.Power,
		ActiveSwitches: req.ActiveSwitches,
		TotalSwitches:  req.TotalSwitches,
	})
	if err != nil {
		s.respondIngestError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"readingId":   reading.ID,
		"totalEnergy": reading.EnergyWh,
	})
}

type syncRequest struct {
	Readings []ingest.BatchReading `json:"readings"`
	Checksum string                `json:"checksum,omitempty"`
}

func (s *Server) syncReadingsHandler(c *gin.Context) {
	deviceID := c.Param("id")

	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := s.ingest.SyncReadings(deviceID, req.Readings, req.Checksum)
	if err != nil {
		s.respondIngestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"inserted":    result.Inserted,
		"duplicates":  result.Duplicates,
		"totalEnergy": result.TotalEnergyWh,
	})
}

func (s *Server) respondIngestError(c *gin.Context, err error) {
	var rangeErr *ingest.RangeError
	if errors.As(err, &rangeErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "out of range",
			"field":   rangeErr.Field,
			"got":     rangeErr.Got,
			"min":     rangeErr.Min,
			"max":     rangeErr.Max,
		})
		return
	}
	var mismatchErr *ingest.MismatchError
	if errors.As(err, &mismatchErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":  false,
			"error":    "calculation mismatch",
			"got":      mismatchErr.Got,
			"expected": mismatchErr.Expected,
		})
		return
	}
	switch {
	case errors.Is(err, ingest.ErrDuplicateReading):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, ingest.ErrChecksumMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, ingest.ErrBatchTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

type transitionRequest struct {
	State             string  `json:"state" binding:"required"`
	Source            string  `json:"source,omitempty"`
	PowerRating       float64 `json:"powerRating,omitempty"`
	PricePerUnit      float64 `json:"pricePerUnit,omitempty"`
	ConsumptionFactor float64 `json:"consumptionFactor,omitempty"`
	Timestamp         int64   `json:"timestamp,omitempty"`
}

func (s *Server) transitionHandler(c *gin.Context) {
	deviceID := c.Param("id")
	switchID := c.Param("switchId")

	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	state := storage.SwitchState(req.State)
	if state != storage.SwitchOn && state != storage.SwitchOff {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "state must be \"on\" or \"off\""})
		return
	}

	var ts time.Time
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0)
	}

	ev, err := s.events.RecordTransition(events.Transition{
		DeviceID:          deviceID,
		SwitchID:          switchID,
		State:             state,
		Timestamp:         ts,
		PowerRating:       req.PowerRating,
		PricePerUnit:      req.PricePerUnit,
		ConsumptionFactor: req.ConsumptionFactor,
		Source:            storage.ToggleSource(req.Source),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "event": ev})
}

// --- Consumption queries ---

func (s *Server) currentPowerHandler(c *gin.Context) {
	deviceID := c.Param("id")

	reading, err := s.db.LatestReading(deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sessions, active, err := s.events.CalculateActiveEnergy(deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"device_id":        deviceID,
		"active_sessions":  sessions,
		"active_energy_wh": active.EnergyWh,
		"active_cost":      active.Cost,
	}
	if reading != nil {
		resp["power_w"] = reading.Power
		resp["voltage_v"] = reading.Voltage
		resp["current_a"] = reading.Current
		resp["last_reading_at"] = reading.Timestamp
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) dailyConsumptionHandler(c *gin.Context) {
	deviceID := c.Param("id")
	dateStr := c.DefaultQuery("date", time.Now().Format("2006-01-02"))
	if _, err := time.Parse("2006-01-02", dateStr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}

	row, err := s.db.GetDaily(deviceID, dateStr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if row == nil {
		row = &storage.DailyConsumption{DeviceID: deviceID, Date: dateStr}
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) monthlyConsumptionHandler(c *gin.Context) {
	deviceID := c.Param("id")
	year, month, ok := parseYearMonth(c)
	if !ok {
		return
	}

	row, err := s.db.GetMonthly(deviceID, year, month)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if row == nil {
		row = &storage.MonthlyConsumption{DeviceID: deviceID, Year: year, Month: int(month)}
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) yearlyConsumptionHandler(c *gin.Context) {
	deviceID := c.Param("id")
	year, err := strconv.Atoi(c.DefaultQuery("year", strconv.Itoa(time.Now().Year())))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid year"})
		return
	}

	rows, err := s.db.MonthlyRowsForYear(deviceID, year)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var energyKwh, costINR, runtimeHours float64
	for _, row := range rows {
		energyKwh += row.EnergyKwh
		costINR += row.CostINR
		runtimeHours += row.RuntimeHours
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":     deviceID,
		"year":          year,
		"energy_kwh":    energyKwh,
		"cost_inr":      costINR,
		"runtime_hours": runtimeHours,
		"months":        rows,
	})
}

func (s *Server) hourlyConsumptionHandler(c *gin.Context) {
	deviceID := c.Param("id")
	dateStr := c.DefaultQuery("date", time.Now().Format("2006-01-02"))
	date, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}

	buckets, err := s.db.HourlyBreakdown(deviceID, date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"date":      dateStr,
		"hours":     buckets,
	})
}

func (s *Server) perSwitchConsumptionHandler(c *gin.Context) {
	deviceID := c.Param("id")
	from, to, ok := parseRange(c)
	if !ok {
		return
	}

	perSwitch, err := s.events.GetPerSwitchConsumption(deviceID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := s.events.GetRuntimeConsumption(deviceID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"from":      from,
		"to":        to,
		"total":     total,
		"switches":  perSwitch,
	})
}

// --- Settings ---

type settingsRequest struct {
	PricePerUnit      float64 `json:"price_per_unit" binding:"required,gt=0"`
	ConsumptionFactor float64 `json:"consumption_factor" binding:"required,gt=0"`
	Classroom         string  `json:"classroom,omitempty"`
}

func (s *Server) getSettingsHandler(c *gin.Context) {
	deviceID := c.Param("id")
	settings, err := s.db.GetSettings(deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no settings for device"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) updateSettingsHandler(c *gin.Context) {
	deviceID := c.Param("id")

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings := &storage.DeviceSettings{
		DeviceID:          deviceID,
		PricePerUnit:      req.PricePerUnit,
		ConsumptionFactor: req.ConsumptionFactor,
		Classroom:         req.Classroom,
	}
	if err := s.db.SaveSettings(settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Pricing changed: forward-looking caches must not serve stale costs.
	s.summary.ClearCache()

	log.Printf("Device %s: settings updated (price=%.2f, factor=%.2f)",
		deviceID, req.PricePerUnit, req.ConsumptionFactor)
	c.JSON(http.StatusOK, gin.H{"message": "Settings updated", "settings": settings})
}

// --- Summary ---

func (s *Server) summaryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.summary.GetEnergySummary())
}

func (s *Server) deviceSummaryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.summary.GetEnergySummary().Devices})
}

func (s *Server) classroomSummaryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"classrooms": s.summary.GetClassroomSummary()})
}

// --- Analytics ---

func (s *Server) forecastHandler(c *gin.Context) {
	deviceID := c.Param("id")
	periods, _ := strconv.Atoi(c.DefaultQuery("periods", "5"))

	result, err := s.analytics.ForecastDevice(deviceID, periods)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) anomaliesHandler(c *gin.Context) {
	deviceID := c.Param("id")

	result, err := s.analytics.DetectAnomalies(deviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) peakHoursHandler(c *gin.Context) {
	deviceID := c.Param("id")
	dateStr := c.DefaultQuery("date", time.Now().Format("2006-01-02"))
	date, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}
	top, _ := strconv.Atoi(c.DefaultQuery("top", "3"))

	peaks, err := s.analytics.PeakHours(deviceID, date, top)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":  deviceID,
		"date":       dateStr,
		"peak_hours": peaks,
	})
}

func (s *Server) costComparisonHandler(c *gin.Context) {
	deviceID := c.Param("id")
	year, month, ok := parseYearMonth(c)
	if !ok {
		return
	}

	result, err := s.analytics.CompareCosts(deviceID, year, month)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Aggregation control ---

func (s *Server) aggregationStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.aggregator.Status())
}

func (s *Server) aggregationRunHandler(c *gin.Context) {
	s.aggregator.TriggerNow()
	c.JSON(http.StatusAccepted, gin.H{"message": "Aggregation triggered"})
}

type backfillRequest struct {
	Start string `json:"start" binding:"required"`
	End   string `json:"end" binding:"required"`
}

func (s *Server) backfillHandler(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start, err := time.ParseInLocation("2006-01-02", req.Start, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start date format"})
		return
	}
	end, err := time.ParseInLocation("2006-01-02", req.End, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end date format"})
		return
	}
	if end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end before start"})
		return
	}

	// Fire and forget; progress is visible via the status endpoint.
	go func() {
		if err := s.aggregator.BackfillHistoricalData(context.Background(), start, end); err != nil {
			log.Printf("Backfill %s..%s failed: %v", req.Start, req.End, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Backfill started",
		"start":   req.Start,
		"end":     req.End,
	})
}

func parseYearMonth(c *gin.Context) (int, time.Month, bool) {
	now := time.Now()
	year, err := strconv.Atoi(c.DefaultQuery("year", strconv.Itoa(now.Year())))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid year"})
		return 0, 0, false
	}
	month, err := strconv.Atoi(c.DefaultQuery("month", strconv.Itoa(int(now.Month()))))
	if err != nil || month < 1 || month > 12 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month"})
		return 0, 0, false
	}
	return year, time.Month(month), true
}

func parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := time.Now()
	from := now.AddDate(0, 0, -1)
	to := now

	if fromStr := c.Query("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
			return from, to, false
		}
		from = t
	}
	if toStr := c.Query("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
			return from, to, false
		}
		to = t
	}
	return from, to, true
}
