// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package api

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tripvault/tripvault/internal/plugin"
	"github.com/tripvault/tripvault/internal/plugin/permission"
)

// maxArchiveSize bounds uploaded extension archives.
const maxArchiveSize = 100 << 20

// pluginView is the JSON shape of one installed extension.
type pluginView struct {
	PluginID         string                         `json:"plugin_id"`
	Name             string                         `json:"name,omitempty"`
	Version          string                         `json:"version"`
	Description      string                         `json:"description,omitempty"`
	Author           string                         `json:"author,omitempty"`
	Runtime          string                         `json:"runtime,omitempty"`
	Enabled          bool                           `json:"enabled"`
	Loaded           bool                           `json:"loaded"`
	Mounted          bool                           `json:"mounted"`
	MigrationVersion uint                           `json:"migration_version"`
	Permissions      []permission.DisplayPermission `json:"permissions,omitempty"`
	SubscribedEvents []string                       `json:"subscribed_events,omitempty"`
	HasFrontend      bool                           `json:"has_frontend"`
}

func (s *Server) view(status *plugin.Status) pluginView {
	v := pluginView{
		PluginID:         status.Record.PluginID,
		Version:          status.Record.Version,
		Enabled:          status.Record.IsEnabled,
		Loaded:           status.Loaded,
		Mounted:          status.Mounted,
		MigrationVersion: status.Record.MigrationVersion,
		Permissions:      s.checker.FormatForDisplay(status.Record.PermissionsGranted),
		SubscribedEvents: status.SubscribedEvents,
		HasFrontend:      s.loader.HasFrontend(status.Record.PluginID),
	}
	if m := status.Manifest; m != nil {
		v.Name = m.Name
		v.Description = m.Description
		v.Author = m.Author
		v.Runtime = m.EffectiveRuntime()
	}
	return v
}

func (s *Server) listPlugins(c *gin.Context) {
	statuses, err := s.registry.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]pluginView, 0, len(statuses))
	for _, status := range statuses {
		views = append(views, s.view(status))
	}
	c.JSON(http.StatusOK, gin.H{"plugins": views})
}

func (s *Server) getPlugin(c *gin.Context) {
	status, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.view(status))
}

// installPlugin accepts a multipart upload: an "archive" zip plus an
// optional "permissions" field holding a JSON array of granted codes.
func (s *Server) installPlugin(c *gin.Context) {
	file, err := c.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}
	if file.Size > maxArchiveSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "archive too large"})
		return
	}

	granted, err := parseGranted(c.PostForm("permissions"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "permissions must be a JSON array of codes"})
		return
	}

	tmp, err := saveUpload(file)
	if err != nil {
		writeError(c, err)
		return
	}
	defer os.Remove(tmp)

	manifest, err := s.loader.InstallFromArchive(tmp)
	if err != nil {
		writeError(c, err)
		return
	}

	rec, err := s.registry.Install(c.Request.Context(), manifest.ID, granted)
	if err != nil {
		// Extracted files are useless without a record.
		_ = s.loader.Remove(manifest.ID)
		writeError(c, err)
		return
	}

	status, err := s.registry.Get(c.Request.Context(), rec.PluginID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.view(status))
}

func parseGranted(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var granted []string
	if err := json.Unmarshal([]byte(raw), &granted); err != nil {
		return nil, err
	}
	return granted, nil
}

func saveUpload(file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "tripvault-upload-*"+filepath.Ext(file.Filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, io.LimitReader(src, maxArchiveSize)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (s *Server) uninstallPlugin(c *gin.Context) {
	opts := plugin.UninstallOptions{
		DropTables:        boolQuery(c, "drop_tables", true),
		RemovePermissions: boolQuery(c, "remove_permissions", true),
		KeepFiles:         boolQuery(c, "keep_files", false),
	}
	if err := s.registry.Uninstall(c.Request.Context(), c.Param("id"), opts); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func boolQuery(c *gin.Context, name string, fallback bool) bool {
	raw, ok := c.GetQuery(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s *Server) enablePlugin(c *gin.Context) {
	if err := s.registry.Enable(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (s *Server) disablePlugin(c *gin.Context) {
	if err := s.registry.Disable(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.registry.Settings(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

func (s *Server) putSettings(c *gin.Context) {
	var settings map[string]any
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "settings must be a JSON object"})
		return
	}
	if err := s.registry.UpdateSettings(c.Request.Context(), c.Param("id"), settings); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// getPermissions shows what the extension asked for versus what it was
// granted, with dangerous gates flagged.
func (s *Server) getPermissions(c *gin.Context) {
	status, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	var required []permission.DisplayPermission
	if status.Manifest != nil {
		required = s.checker.FormatForDisplay(status.Manifest.RequiredPermissions)
	}
	c.JSON(http.StatusOK, gin.H{
		"required": required,
		"granted":  s.checker.FormatForDisplay(status.Record.PermissionsGranted),
		"provided": s.checker.ProvidedBy(c.Param("id")),
	})
}
