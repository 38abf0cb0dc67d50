package api

import (
	"errors"
	"net/http"
	"os"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth() ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 3)
	components = append(components, recordComponent("output_dir", h.outputDirWritable()))
	components = append(components, recordComponent("storage", h.storageReady()))
	components = append(components, recordComponent("vendor", h.vendorReady()))

	return components, overallStatus, statusCode
}

// outputDirWritable probes the artifact directory with a throwaway file so a
// full or read-only disk surfaces here instead of mid-job.
func (h *Handler) outputDirWritable() error {
	if h.Artifacts == nil {
		return errors.New("artifact store not configured")
	}
	if err := os.MkdirAll(h.Artifacts.Dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(h.Artifacts.Dir, ".healthz-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

func (h *Handler) storageReady() error {
	if h.Publisher == nil {
		return errors.New("storage publisher not configured")
	}
	return nil
}

func (h *Handler) vendorReady() error {
	if h.Swapper == nil {
		return errors.New("vendor client not configured")
	}
	return nil
}
