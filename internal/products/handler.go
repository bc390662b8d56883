package products

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/valeevte/pricearchive/internal/logger"
)

type Handler struct {
	repo *Repository
	log  *logger.Logger
}

func NewHandler(repo *Repository, log *logger.Logger) *Handler {
	return &Handler{repo: repo, log: log.With("component", "ProductsHandler")}
}

// Register mounts the read endpoints on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/products", h.ListProducts)
	rg.GET("/products/:id", h.GetProduct)
	rg.GET("/products/:id/history", h.GetPriceHistory)
}

type listQuery struct {
	Name     string   `form:"name"`
	Category string   `form:"category"`
	MinPrice *float64 `form:"minPrice"`
	MaxPrice *float64 `form:"maxPrice"`
	SortBy   string   `form:"sortBy"`
	Order    string   `form:"order"`
	Page     int      `form:"page"`
	PageSize int      `form:"pageSize"`
}

func (h *Handler) ListProducts(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	sortBy := strings.ToLower(q.SortBy)
	if sortBy != "" && sortBy != "price" && sortBy != "name" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sortBy must be price or name"})
		return
	}
	order := strings.ToLower(q.Order)
	if order != "" && order != "asc" && order != "desc" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be asc or desc"})
		return
	}
	if q.MinPrice != nil && q.MaxPrice != nil && *q.MinPrice > *q.MaxPrice {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minPrice greater than maxPrice"})
		return
	}

	page, err := h.repo.List(c.Request.Context(), Filter{
		Name:     q.Name,
		Category: q.Category,
		MinPrice: q.MinPrice,
		MaxPrice: q.MaxPrice,
		SortBy:   sortBy,
		Desc:     order == "desc",
		Page:     q.Page,
		PageSize: q.PageSize,
	})
	if err != nil {
		h.log.Error("list products failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch products"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) GetProduct(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		h.log.Error("get product failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch product"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPriceHistory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	hist, err := h.repo.GetPriceHistory(c.Request.Context(), id)
	if err != nil {
		h.log.Error("get price history failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history"})
		return
	}
	c.JSON(http.StatusOK, hist)
}
