package model

// HealthStatus represents the health state of an asset store
type HealthStatus struct {
	StoreID   string        `json:"store_id"`
	Status    StoreStatus   `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// StoreStatus defines the operational status of the store
type StoreStatus string

const (
	StoreStatusHealthy   StoreStatus = "healthy"
	StoreStatusDegraded  StoreStatus = "degraded"
	StoreStatusUnhealthy StoreStatus = "unhealthy"
)

// HealthMetrics contains various health metrics
type HealthMetrics struct {
	DiskUsage    float64 `json:"disk_usage_percent"`
	CacheEntries int     `json:"cache_entries"`
	CacheBytes   int64   `json:"cache_bytes"`
	StaleLocks   int     `json:"stale_locks"`
}
