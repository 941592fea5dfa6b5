package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/models"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
	"github.com/ottofleet/fleet-api/pkg/export"
)

type stubExportDevices struct {
	devices []models.Device
}

func (s *stubExportDevices) List(context.Context, models.DeviceFilter) ([]models.Device, int, error) {
	return s.devices, len(s.devices), nil
}

type stubExportRollouts struct {
	rollout *models.Rollout
}

func (s *stubExportRollouts) FindByID(context.Context, string) (*models.Rollout, error) {
	if s.rollout == nil {
		return nil, sql.ErrNoRows
	}
	return s.rollout, nil
}

type recordingCSVRenderer struct {
	dataset export.Dataset
	calls   int
}

func (r *recordingCSVRenderer) Render(data export.Dataset) ([]byte, error) {
	r.dataset = data
	r.calls++
	return []byte("csv-bytes"), nil
}

type recordingPDFRenderer struct {
	dataset export.Dataset
	title   string
	calls   int
}

func (r *recordingPDFRenderer) Render(data export.Dataset, title string) ([]byte, error) {
	r.dataset = data
	r.title = title
	r.calls++
	return []byte("pdf-bytes"), nil
}

type exportFixture struct {
	csv *recordingCSVRenderer
	pdf *recordingPDFRenderer
	svc *ExportService
}

func newExportFixture(rollout *models.Rollout, devices ...models.Device) *exportFixture {
	f := &exportFixture{
		csv: &recordingCSVRenderer{},
		pdf: &recordingPDFRenderer{},
	}
	f.svc = NewExportService(&stubExportDevices{devices: devices}, &stubExportRollouts{rollout: rollout}, f.csv, f.pdf, zap.NewNop())
	return f
}

func sampleRollout() *models.Rollout {
	return &models.Rollout{
		ID:               "r-1",
		Version:          "2.0.0",
		Status:           models.RolloutStatusActive,
		StagePercentages: models.StagePercentages{5, 25, 50, 100},
		CurrentStage:     2,
		TotalDevices:     100,
		UpdatedDevices:   20,
		FailedDevices:    5,
		CreatedAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestExportServiceDeviceInventoryDefaultsToCSV(t *testing.T) {
	target := "2.0.0"
	seen := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	f := newExportFixture(nil, models.Device{
		Name:           "sensor-01",
		MACAddress:     "aa:bb:cc:dd:ee:ff",
		Status:         models.DeviceStatusOnline,
		CurrentVersion: "1.0.0",
		TargetVersion:  &target,
		LastSeen:       &seen,
	})

	result, err := f.svc.DeviceInventory(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "devices.csv", result.Filename)
	assert.Equal(t, "text/csv", result.ContentType)
	assert.Equal(t, []byte("csv-bytes"), result.Data)
	assert.Equal(t, 1, f.csv.calls)
	assert.Equal(t, 0, f.pdf.calls)

	require.Len(t, f.csv.dataset.Rows, 1)
	row := f.csv.dataset.Rows[0]
	assert.Equal(t, "sensor-01", row["Name"])
	assert.Equal(t, "2.0.0", row["Target Version"])
	assert.Equal(t, "2026-03-02T09:30:00Z", row["Last Seen"])
}

func TestExportServiceRolloutReportPDF(t *testing.T) {
	f := newExportFixture(sampleRollout())

	result, err := f.svc.RolloutReport(context.Background(), "r-1", ExportFormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "rollout-2.0.0.pdf", result.Filename)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.Equal(t, []byte("pdf-bytes"), result.Data)
	assert.Equal(t, "rollout report 2.0.0", f.pdf.title)

	rows := map[string]string{}
	for _, row := range f.pdf.dataset.Rows {
		rows[row["Field"]] = row["Value"]
	}
	assert.Equal(t, "2 of 4 (25%)", rows["Stage"])
	assert.Equal(t, "5.0%", rows["Failure Rate"])
	assert.Equal(t, "100", rows["Total Devices"])
}

func TestExportServiceRolloutReportNotFound(t *testing.T) {
	f := newExportFixture(nil)

	_, err := f.svc.RolloutReport(context.Background(), "missing", ExportFormatCSV)
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestExportServiceUnsupportedFormat(t *testing.T) {
	f := newExportFixture(sampleRollout())

	_, err := f.svc.RolloutReport(context.Background(), "r-1", ExportFormat("xml"))
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, 0, f.csv.calls)
	assert.Equal(t, 0, f.pdf.calls)
}
