package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelpress/internal/archive"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archives": archives, "total": len(archives)})
}

// RunArchive archives eligible jobs now instead of waiting for the next tick.
func (h *ArchiveHandler) RunArchive(c *gin.Context) {
	res, err := h.archiver.RunArchive()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ArchiveHandler) GetArchive(c *gin.Context) {
	jobs, err := h.archiver.ReadArchive(c.Param("filename"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": c.Param("filename"), "jobs": jobs, "total": len(jobs)})
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	if err := h.archiver.DeleteArchive(c.Param("filename")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func RegisterArchiveRoutes(r *gin.RouterGroup, h *ArchiveHandler) {
	r.GET("/archives", h.ListArchives)
	r.POST("/archives/run", h.RunArchive)
	r.GET("/archives/:filename", h.GetArchive)
	r.DELETE("/archives/:filename", h.DeleteArchive)
}
