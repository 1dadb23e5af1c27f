package borsradar

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/rs/zerolog"
)

// ErrArticleNotFound is returned when an identifier matches no cached
// article.
var ErrArticleNotFound = errors.New("article not found")

// Pagination defaults for the article endpoints.
const (
	defaultArticleLimit = 20
	maxArticleLimit     = 500
)

// APIServer serves the scraped articles over HTTP.
type APIServer struct {
	service  *ScrapeService
	store    newsfeed.Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewAPIServer creates an API server backed by service. store answers the
// stored-article queries; interval is reported by the status endpoint.
func NewAPIServer(service *ScrapeService, store newsfeed.Store, interval time.Duration, logger zerolog.Logger) *APIServer {
	return &APIServer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// SetupRouter configures the Gin router with all API routes.
func (s *APIServer) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(s.requestLogger(), s.recovery())

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.HandleHealth)

	api := router.Group("/api")
	api.GET("/scrape", s.HandleScrape)
	api.GET("/scrape/status", s.HandleScrapeStatus)
	api.GET("/articles", s.HandleListArticles)
	api.GET("/articles/:identifier", s.HandleGetArticle)
	api.GET("/stored-articles", s.HandleStoredArticles)
	api.GET("/feed.rss", s.HandleRSSFeed)
	api.GET("/feed.atom", s.HandleAtomFeed)

	return router
}

// requestLogger logs each request through zerolog.
func (s *APIServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := s.logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// recovery turns handler panics into a 500 response.
func (s *APIServer) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error().
			Interface("panic", recovered).
			Str("path", c.Request.URL.Path).
			Msg("handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse("internal server error"))
	})
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}

// handleError maps domain errors to HTTP responses.
func (s *APIServer) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrArticleNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, ErrScrapeInProgress):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

// parsePagination reads limit and offset. ok is false when a 400 has
// already been written.
func parsePagination(c *gin.Context, defaultLimit int) (limit, offset int, ok bool) {
	limit = defaultLimit
	if limitParam := c.Query("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, errorResponse("invalid limit parameter"))
			return 0, 0, false
		}
		limit = min(parsed, maxArticleLimit)
	}

	if offsetParam := c.Query("offset"); offsetParam != "" {
		parsed, err := strconv.Atoi(offsetParam)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, errorResponse("invalid offset parameter"))
			return 0, 0, false
		}
		offset = parsed
	}

	return limit, offset, true
}

// HandleScrape handles GET /api/scrape. The run is synchronous and is not
// cancelled if the client disconnects.
func (s *APIServer) HandleScrape(c *gin.Context) {
	limit := 0
	if limitParam := c.Query("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, errorResponse("invalid limit parameter"))
			return
		}
		limit = parsed
	}

	result := s.service.Run(context.WithoutCancel(c.Request.Context()), limit)

	switch {
	case result.Busy:
		c.JSON(http.StatusConflict, result)
	case result.Err != nil:
		c.JSON(http.StatusInternalServerError, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// statusResponse is the body of GET /api/scrape/status.
type statusResponse struct {
	ScrapeStatus
	Interval string `json:"interval"`
}

// HandleScrapeStatus handles GET /api/scrape/status.
func (s *APIServer) HandleScrapeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		ScrapeStatus: s.service.Status(),
		Interval:     s.interval.String(),
	})
}

// HandleListArticles handles GET /api/articles.
func (s *APIServer) HandleListArticles(c *gin.Context) {
	limit, offset, ok := parsePagination(c, defaultArticleLimit)
	if !ok {
		return
	}

	window := s.service.Window()
	c.JSON(http.StatusOK, newsfeed.Page{
		Total:  window.Len(),
		Offset: offset,
		Limit:  limit,
		Items:  window.Page(offset, limit),
	})
}

// HandleGetArticle handles GET /api/articles/:identifier. A numeric
// identifier is a position in the window; anything else matches a URL
// substring.
func (s *APIServer) HandleGetArticle(c *gin.Context) {
	article, err := s.findArticle(c.Param("identifier"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, article)
}

func (s *APIServer) findArticle(identifier string) (newsfeed.Article, error) {
	window := s.service.Window()

	if index, err := strconv.Atoi(identifier); err == nil {
		if article, ok := window.At(index); ok {
			return article, nil
		}
		return newsfeed.Article{}, ErrArticleNotFound
	}

	if article, ok := window.FindURL(identifier); ok {
		return article, nil
	}
	return newsfeed.Article{}, ErrArticleNotFound
}

// HandleStoredArticles handles GET /api/stored-articles, a read-only query
// against the persistent store.
func (s *APIServer) HandleStoredArticles(c *gin.Context) {
	limit, offset, ok := parsePagination(c, defaultArticleLimit)
	if !ok {
		return
	}

	filter := newsfeed.QueryFilter{
		Limit:          limit,
		Offset:         offset,
		FullOnly:       c.Query("full") == "true",
		IncompleteOnly: c.Query("incomplete") == "true",
		Source:         c.Query("source"),
	}
	if filter.FullOnly && filter.IncompleteOnly {
		c.JSON(http.StatusBadRequest, errorResponse("full and incomplete are mutually exclusive"))
		return
	}

	page, err := s.store.Query(c.Request.Context(), filter)
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// HandleHealth handles GET /health.
func (s *APIServer) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "UP",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"articleCount": s.service.Window().Len(),
		"message":      "Server is running",
	})
}
