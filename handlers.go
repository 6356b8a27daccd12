package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"

	"depiction-map/cluster"
)

// getCategory serves /depiction/<category>.json from the display set.
func (s *Server) getCategory(c *gin.Context) {
	category, ok := strings.CutSuffix(c.Param("file"), ".json")
	if !ok {
		c.String(http.StatusNotFound, ErrUnknownCategory.Error())
		return
	}

	entry, err := s.Sources.Display().Get(category)
	if err != nil {
		c.String(http.StatusNotFound, ErrUnknownCategory.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", entry.JSON)
}

func (s *Server) getStatus(c *gin.Context) {
	body := gin.H{
		"status":  s.Controller.Status(),
		"loaded":  s.Controller.Loaded(),
		"filters": s.Controller.Filters(),
	}
	if layer := s.Controller.ActiveLayer(); layer != nil {
		body["layer"] = layer.Summary()
	}
	if s.Socket != nil {
		body["clients"] = s.Socket.Clients()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getFilters(c *gin.Context) {
	c.JSON(http.StatusOK, s.Controller.Filters())
}

// setFilters changes the session toggles, the defaults of every new viewer. The
// toggles are kept even when no dataset is loaded yet, so the next load uses them.
func (s *Server) setFilters(c *gin.Context) {
	var cfg FilterConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filters", "message": err.Error()})
		return
	}

	layer, err := s.Controller.SetFilters(c.Request.Context(), cfg)
	switch {
	case errors.Is(err, ErrDatasetNotLoaded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "filters": cfg})
	case errors.Is(err, ErrRefreshSuperseded):
		c.JSON(http.StatusAccepted, gin.H{"message": err.Error(), "filters": cfg})
	case err != nil:
		GetLogger().WithContext(c.Request.Context()).WithError(err).Error("Refresh failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not display the data"})
	default:
		c.JSON(http.StatusOK, layer.Summary())
	}
}

// getLayer returns the clusters and markers visible to one viewer as GeoJSON.
// exclude_exhibits and missing_image_only select the viewer's toggles; absent
// ones fall back to the session toggles.
func (s *Server) getLayer(c *gin.Context) {
	cfg, err := parseFilters(c, s.Controller.Filters())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bounds, err := parseBBox(c.Query("bbox"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	zoom := 0
	if raw := c.Query("zoom"); raw != "" {
		zoom, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zoom"})
			return
		}
	}

	layer, err := s.Controller.LayerFor(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no layer displayed", "status": s.Controller.Status()})
		return
	}

	data, err := layer.GeoJSON(bounds, zoom).MarshalJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Layer-ID", layer.ID)
	c.Data(http.StatusOK, "application/geo+json", data)
}

func parseFilters(c *gin.Context, defaults FilterConfig) (FilterConfig, error) {
	cfg := defaults
	for name, dst := range map[string]*bool{
		"exclude_exhibits":   &cfg.ExcludeExhibits,
		"missing_image_only": &cfg.MissingImageOnly,
	} {
		raw, ok := c.GetQuery(name)
		if !ok {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return FilterConfig{}, fmt.Errorf("invalid %s", name)
		}
		*dst = v
	}
	return cfg, nil
}

// parseBBox reads "west,south,east,north". Empty means the whole world.
func parseBBox(raw string) (orb.Bound, error) {
	if raw == "" {
		return cluster.World, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must be west,south,east,north")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox value %q", p)
		}
		v[i] = f
	}
	if v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox south above north")
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func (s *Server) reloadDataset(c *gin.Context) {
	ctx := c.Request.Context()
	if timeout := s.Config.Map.LoadTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	GetLogger().LogSecurity(ctx, "dataset_reload", "info", LogFields{"subject": AdminSubject(ctx)})
	if err := s.Controller.Reload(ctx); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": s.Controller.Status()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.Controller.Status()})
}

func (s *Server) getSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.Sources.Statuses(), "worker_pool": s.Sources.PoolStats()})
}

func (s *Server) updateSources(c *gin.Context) {
	ctx := s.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	GetLogger().LogSecurity(c.Request.Context(), "sources_update", "info", LogFields{"subject": AdminSubject(c.Request.Context())})
	scheduled := s.Sources.ForceUpdate(ctx)
	c.JSON(http.StatusAccepted, gin.H{"scheduled": scheduled})
}
