package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/models"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
	"github.com/ottofleet/fleet-api/pkg/export"
)

// ExportFormat enumerates supported export encodings.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

type exportDeviceLister interface {
	List(ctx context.Context, filter models.DeviceFilter) ([]models.Device, int, error)
}

type exportRolloutReader interface {
	FindByID(ctx context.Context, id string) (*models.Rollout, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportService renders device inventory and rollout reports for download.
type ExportService struct {
	devices  exportDeviceLister
	rollouts exportRolloutReader
	csv      csvRenderer
	pdf      pdfRenderer
	logger   *zap.Logger
}

// NewExportService builds an ExportService.
func NewExportService(devices exportDeviceLister, rollouts exportRolloutReader, csv csvRenderer, pdf pdfRenderer, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{devices: devices, rollouts: rollouts, csv: csv, pdf: pdf, logger: logger}
}

// ExportResult carries rendered bytes plus download metadata.
type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DeviceInventory renders the full device list in the requested format.
func (s *ExportService) DeviceInventory(ctx context.Context, format ExportFormat) (*ExportResult, error) {
	devices, _, err := s.devices.List(ctx, models.DeviceFilter{PageSize: 200})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list devices")
	}

	data := export.Dataset{
		Headers: []string{"Name", "MAC", "Status", "Current Version", "Target Version", "Last Seen"},
	}
	for i := range devices {
		d := &devices[i]
		target := ""
		if d.TargetVersion != nil {
			target = *d.TargetVersion
		}
		lastSeen := ""
		if d.LastSeen != nil {
			lastSeen = d.LastSeen.Format(time.RFC3339)
		}
		data.Rows = append(data.Rows, map[string]string{
			"Name":            d.Name,
			"MAC":             d.MACAddress,
			"Status":          string(d.Status),
			"Current Version": d.CurrentVersion,
			"Target Version":  target,
			"Last Seen":       lastSeen,
		})
	}

	return s.render(data, "device inventory", "devices", format)
}

// RolloutReport renders the progress report for one rollout.
func (s *ExportService) RolloutReport(ctx context.Context, id string, format ExportFormat) (*ExportResult, error) {
	rollout, err := s.rollouts.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rollout not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rollout")
	}

	progress := RolloutProgress(rollout)
	data := export.Dataset{
		Headers: []string{"Field", "Value"},
		Rows: []map[string]string{
			{"Field": "Version", "Value": rollout.Version},
			{"Field": "Status", "Value": string(rollout.Status)},
			{"Field": "Stage", "Value": fmt.Sprintf("%d of %d (%d%%)", progress.CurrentStage, progress.TotalStages, progress.StagePercent)},
			{"Field": "Total Devices", "Value": strconv.Itoa(rollout.TotalDevices)},
			{"Field": "Updated Devices", "Value": strconv.Itoa(rollout.UpdatedDevices)},
			{"Field": "Failed Devices", "Value": strconv.Itoa(rollout.FailedDevices)},
			{"Field": "Failure Rate", "Value": fmt.Sprintf("%.1f%%", rollout.FailureRate())},
			{"Field": "Created At", "Value": rollout.CreatedAt.Format(time.RFC3339)},
		},
	}

	name := fmt.Sprintf("rollout-%s", rollout.Version)
	return s.render(data, fmt.Sprintf("rollout report %s", rollout.Version), name, format)
}

func (s *ExportService) render(data export.Dataset, title, name string, format ExportFormat) (*ExportResult, error) {
	switch format {
	case ExportFormatPDF:
		payload, err := s.pdf.Render(data, title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{Filename: name + ".pdf", ContentType: "application/pdf", Data: payload}, nil
	case ExportFormatCSV, "":
		payload, err := s.csv.Render(data)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{Filename: name + ".csv", ContentType: "text/csv", Data: payload}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}
