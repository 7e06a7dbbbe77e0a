package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"afflink/internal/amazon"
	"afflink/internal/auth"
	"afflink/internal/cache"
	"afflink/internal/metrics"
	"afflink/internal/product"
	"afflink/internal/ratelimit"
	"afflink/pkg/logger"
)

const marketCookie = "afflink-market"

type config struct {
	Port              string
	Env               string
	AppSecret         string
	AdminPasswordHash string
	RedisAddr         string

	AccessKey      string
	SecretKey      string
	UpstreamScheme string
	Markets        product.Markets

	CacheTTL       time.Duration
	StaleThreshold time.Duration
	UseMockData    bool
	MockFallback   bool

	RateCapacity   float64
	RateInterval   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func loadConfig() (config, error) {
	_ = godotenv.Load()

	env := envDefault("APP_ENV", "development")
	cfg := config{
		Port:              envDefault("API_PORT", envDefault("PORT", "8080")),
		Env:               env,
		AppSecret:         os.Getenv("APP_SECRET"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		AccessKey:         os.Getenv("AMAZON_ACCESS_KEY"),
		SecretKey:         os.Getenv("AMAZON_SECRET_KEY"),
		UpstreamScheme:    envDefault("AMAZON_API_SCHEME", "https"),
		Markets: product.Markets{
			product.MarketDE: marketFromEnv("DE"),
			product.MarketUS: marketFromEnv("US"),
			product.MarketUK: marketFromEnv("UK"),
		},
		CacheTTL:       time.Duration(envDefaultInt("AMAZON_CACHE_TTL_SECONDS", 86400)) * time.Second,
		StaleThreshold: time.Duration(envDefaultInt("AMAZON_STALE_THRESHOLD_MS", 86400000)) * time.Millisecond,
		UseMockData:    envBool("USE_AMAZON_MOCK_DATA", env == "development"),
		MockFallback:   envBool("AMAZON_MOCK_FALLBACK", env != "production"),
		RateCapacity:   float64(envDefaultInt("AMAZON_API_RATE_LIMIT", 1)),
		RateInterval:   time.Duration(envDefaultInt("AMAZON_API_RATE_INTERVAL", 1000)) * time.Millisecond,
		MaxRetries:     envDefaultInt("AMAZON_MAX_RETRIES", 3),
		RetryBaseDelay: time.Duration(envDefaultInt("AMAZON_RETRY_DELAY", 2000)) * time.Millisecond,
	}
	if cfg.AppSecret == "" {
		return cfg, fmt.Errorf("APP_SECRET is required")
	}
	if !cfg.UseMockData && (cfg.AccessKey == "" || cfg.SecretKey == "") {
		return cfg, fmt.Errorf("AMAZON_ACCESS_KEY and AMAZON_SECRET_KEY are required unless mock data is enabled")
	}
	return cfg, nil
}

func marketFromEnv(market string) product.MarketConfig {
	return product.MarketConfig{
		Host:       os.Getenv("AMAZON_HOST_" + market),
		Region:     os.Getenv("AMAZON_REGION_" + market),
		PartnerTag: os.Getenv("AMAZON_TAG_" + market),
	}
}

// app bundles the wired services behind the HTTP surface.
type app struct {
	cfg       config
	log       zerolog.Logger
	store     cache.Store
	rec       *metrics.Recorder
	limiter   *ratelimit.Limiter
	client    *amazon.Client
	auth      *auth.Service
	prefs     *product.Preferences
	startedAt time.Time
}

func newApp(cfg config, store cache.Store, log zerolog.Logger) *app {
	rec := metrics.New(log)
	return &app{
		cfg:   cfg,
		log:   log,
		store: store,
		rec:   rec,
		limiter: ratelimit.New(ratelimit.Config{
			Capacity:       cfg.RateCapacity,
			RefillInterval: cfg.RateInterval,
			MaxRetries:     cfg.MaxRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
		}, rec, log),
		client: amazon.NewClient(amazon.Config{
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			Markets:        cfg.Markets,
			CacheTTL:       cfg.CacheTTL,
			StaleThreshold: cfg.StaleThreshold,
			UseMockData:    cfg.UseMockData,
			MockFallback:   cfg.MockFallback,
			Scheme:         cfg.UpstreamScheme,
		}, store, rec, log),
		auth:      auth.NewService(cfg.AppSecret, cfg.AdminPasswordHash),
		prefs:     product.NewPreferences(product.DefaultMarket),
		startedAt: time.Now(),
	}
}

func (a *app) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.MethodNotAllowed(handleMethodNotAllowed)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/products/{asin}", handleGetProduct(a.client, a.limiter, a.rec, a.cfg))
		r.Get("/products", handleGetProducts(a.client))
		r.Post("/market", handleSetMarket(a.prefs))
		r.Post("/auth/login", handleLogin(a.auth))

		r.Group(func(r chi.Router) {
			r.Use(a.auth.RequireAdmin)
			r.Get("/metrics", handleMetrics(a.rec, a.limiter, a.store, a.startedAt))
			r.Delete("/admin/cache", handleCachePurge(a.store, a.log))
			r.Post("/admin/cache/warm", handleCacheWarm(a.client))
			r.Delete("/admin/queue", handleQueueClear(a.limiter))
		})
	})
	return r
}

func main() {
	log := logger.New()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	store, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cache backend not ready")
	}

	a := newApp(cfg, store, log)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("*/5 * * * *", a.rec.LogSnapshot); err != nil {
		log.Fatal().Err(err).Msg("metrics flush schedule invalid")
	}
	scheduler.Start()
	defer scheduler.Stop()

	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("api listening")
	if err := http.ListenAndServe(addr, a.router()); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func buildStore(cfg config, log zerolog.Logger) (cache.Store, error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(log), nil
	}
	rclient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rclient.Ping(ctx).Err()
		cancel()
		if err == nil {
			return cache.NewRedis(rclient, log), nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("redis connect retry")
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("redis not reachable at %s", cfg.RedisAddr)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept-Language")
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/products") {
		w.Header().Set("Allow", http.MethodGet)
	}
	errorJSON(w, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s Not Allowed", r.Method))
}

// resolveMarket picks the market from the query parameter, then the
// stored preference cookie, then the Accept-Language header.
func resolveMarket(r *http.Request) product.Market {
	stored := ""
	if c, err := r.Cookie(marketCookie); err == nil {
		stored = c.Value
	}
	return product.ResolveMarket(r.URL.Query().Get("market"), stored, r.Header.Get("Accept-Language"), "")
}

func handleGetProduct(client *amazon.Client, limiter *ratelimit.Limiter, rec *metrics.Recorder, cfg config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asin := chi.URLParam(r, "asin")
		if !product.IsValidASIN(asin) {
			errorJSON(w, http.StatusBadRequest, "Invalid ASIN. Must be 10 alphanumeric characters.")
			return
		}
		market := resolveMarket(r)

		out, err := limiter.Execute(r.Context(), asin+":"+string(market), market, func(ctx context.Context) (interface{}, error) {
			p, err := client.GetProduct(ctx, asin, market)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, nil
			}
			return p, nil
		})
		if err != nil {
			rec.Error(err, map[string]string{"market": string(market), "path": r.URL.Path})
			switch kind, _ := product.KindOf(err); kind {
			case product.KindValidation:
				errorJSON(w, http.StatusBadRequest, "Invalid ASIN. Must be 10 alphanumeric characters.")
			case product.KindRateLimited, product.KindQuotaExceeded:
				errorJSON(w, http.StatusInternalServerError, "Service temporarily unavailable. Please try again later.")
			default:
				errorJSON(w, http.StatusInternalServerError, "Failed to fetch product information")
			}
			return
		}

		p, _ := out.(*product.Product)
		if p == nil {
			errorJSON(w, http.StatusNotFound, "Product not found or unavailable")
			return
		}

		// Stale records get a short edge TTL so a refresh comes around
		// quickly; fresh ones can be held longer.
		cacheControl := "public, s-maxage=3600, stale-while-revalidate=7200"
		if p.OfferAgeMs > cfg.StaleThreshold.Milliseconds() {
			cacheControl = "public, s-maxage=300, stale-while-revalidate=3600"
		}
		w.Header().Set("Cache-Control", cacheControl)
		w.Header().Set("Vary", "Accept-Language")
		setCORS(w)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"product": p,
			"cached":  p.OfferAgeMs > 0,
		})
	}
}

func handleGetProducts(client *amazon.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.Split(r.URL.Query().Get("ids"), ",")
		asins := make([]string, 0, len(raw))
		for _, id := range raw {
			if id = strings.TrimSpace(id); product.IsValidASIN(id) {
				asins = append(asins, id)
			}
		}
		if len(asins) == 0 {
			errorJSON(w, http.StatusBadRequest, "Invalid ASIN. Must be 10 alphanumeric characters.")
			return
		}
		market := resolveMarket(r)
		products := client.GetProducts(r.Context(), asins, market)
		setCORS(w)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"products": products,
			"count":    len(products),
		})
	}
}

func handleSetMarket(prefs *product.Preferences) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Market string `json:"market"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		market, ok := product.ParseMarket(req.Market)
		if !ok {
			errorJSON(w, http.StatusBadRequest, "unknown market")
			return
		}
		prefs.Set(market)
		http.SetCookie(w, &http.Cookie{
			Name:     marketCookie,
			Value:    string(market),
			Path:     "/",
			MaxAge:   int((365 * 24 * time.Hour).Seconds()),
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, map[string]string{"market": string(market)})
	}
}

func handleLogin(authSvc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		token, err := authSvc.Login(req.Password)
		if err != nil {
			errorJSON(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func handleMetrics(rec *metrics.Recorder, limiter *ratelimit.Limiter, store cache.Store, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"api":         rec.Snapshot(),
			"rateLimiter": limiter.Stats(),
			"cache":       map[string]int{"size": store.Size(r.Context())},
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"uptime":      int64(time.Since(startedAt).Seconds()),
		})
	}
}

func handleCachePurge(store cache.Store, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cleared := store.ClearPrefix(r.Context(), product.CachePrefix)
		log.Info().Int("cleared", cleared).Msg("product cache purged")
		writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	}
}

// handleCacheWarm pre-fetches a list of products so their records are
// cached before traffic arrives.
func handleCacheWarm(client *amazon.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs    []string `json:"ids"`
			Market string   `json:"market"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		market, ok := product.ParseMarket(req.Market)
		if !ok {
			market = product.DefaultMarket
		}
		asins := make([]string, 0, len(req.IDs))
		for _, id := range req.IDs {
			if product.IsValidASIN(id) {
				asins = append(asins, id)
			}
		}
		warmed := client.GetProducts(r.Context(), asins, market)
		writeJSON(w, http.StatusOK, map[string]int{"warmed": len(warmed)})
	}
}

// handleQueueClear drops all queued upstream work, e.g. after a config
// change that invalidates pending fetches.
func handleQueueClear(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limiter.ClearQueue()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rateLimiter": limiter.Stats(),
		})
	}
}

func envDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

func envDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return out
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
