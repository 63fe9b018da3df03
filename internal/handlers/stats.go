package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"
)

const (
	statsPathPrefix = "/api/stats/businesses/"
	dateLayout      = "2006-01-02"
)

// StatsHandler отдаёт статистику погашений бизнесу.
type StatsHandler struct {
	service StatsProvider
	log     *logger.Logger
}

// NewStatsHandler создает обработчик статистики.
func NewStatsHandler(service StatsProvider, log *logger.Logger) *StatsHandler {
	return &StatsHandler{
		service: service,
		log:     log,
	}
}

// BusinessStats: GET /api/stats/businesses/{id}?from=&to=&top=&format=json|csv.
func (h *StatsHandler) BusinessStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	identity, ok := callerIdentity(w, r)
	if !ok {
		return
	}

	businessID, err := extractUUIDFromPath(r.URL.Path, statsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !selfOrAdmin(identity, businessID) {
		writeErrorResponse(w, http.StatusForbidden, "Access denied")
		return
	}

	filter, format, err := parseStatsFilter(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.BusinessID = businessID

	stats, err := h.service.BusinessStats(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to load business stats")
		return
	}

	if format == "csv" {
		if err := writeStatsCSV(w, stats); err != nil {
			h.log.WithError(err).Warn("Failed to stream stats CSV")
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, stats)
}

// parseStatsFilter разбирает даты YYYY-MM-DD; пустые границы заполняет сервис.
func parseStatsFilter(r *http.Request) (*models.BusinessStatsFilter, string, error) {
	query := r.URL.Query()
	filter := &models.BusinessStatsFilter{}

	if v := query.Get("from"); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			return nil, "", fmt.Errorf("invalid 'from' date, expected YYYY-MM-DD")
		}
		filter.From = startOfDay(parsed)
	}
	if v := query.Get("to"); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			return nil, "", fmt.Errorf("invalid 'to' date, expected YYYY-MM-DD")
		}
		filter.To = endOfDay(parsed)
	}

	if v := query.Get("top"); v != "" {
		top, err := strconv.Atoi(v)
		if err != nil || top <= 0 {
			return nil, "", fmt.Errorf("top must be a positive integer")
		}
		filter.TopLimit = top
	}

	format := strings.ToLower(query.Get("format"))
	if format != "" && format != "json" && format != "csv" {
		return nil, "", fmt.Errorf("format must be json or csv")
	}

	return filter, format, nil
}

func writeStatsCSV(w http.ResponseWriter, stats *models.BusinessStats) error {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=business-stats.csv")
	w.WriteHeader(http.StatusOK)

	writer := csv.NewWriter(w)
	rangeLabel := fmt.Sprintf("%s..%s", stats.From.Format(dateLayout), stats.To.Format(dateLayout))
	_ = writer.Write([]string{"section", "period", "committed", "rejected", "discount_given"})
	_ = writer.Write([]string{"summary", rangeLabel, strconv.Itoa(stats.Committed), strconv.Itoa(stats.Rejected), fmt.Sprintf("%.2f", stats.DiscountGiven)})

	reasons := make([]string, 0, len(stats.RejectionsByReason))
	for reason := range stats.RejectionsByReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	_ = writer.Write([]string{})
	_ = writer.Write([]string{"section", "reason", "attempts"})
	for _, reason := range reasons {
		_ = writer.Write([]string{"rejection", reason, strconv.Itoa(stats.RejectionsByReason[reason])})
	}

	_ = writer.Write([]string{})
	_ = writer.Write([]string{"section", "coupon_id", "code", "redemptions"})
	for _, c := range stats.TopCoupons {
		_ = writer.Write([]string{"top_coupon", c.CouponID.String(), c.Code, strconv.Itoa(c.Redemptions)})
	}

	writer.Flush()
	return writer.Error()
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Millisecond*999), time.UTC)
}
