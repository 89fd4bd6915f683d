// Package orchestrator implements the external control-plane client the
// REST surface and ProxyBridge depend on to create machines and resolve a
// machine id to its IPv6 address.
package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// MachineSpec describes the machine to create.
type MachineSpec struct {
	Name   string            `json:"name,omitempty"`
	Image  string            `json:"image"`
	Env    map[string]string `json:"env,omitempty"`
	Region string            `json:"region,omitempty"`
}

// Machine is the orchestrator's view of a created machine.
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
}

// Client creates and inspects remote machines, and resolves a machine id
// to the IPv6 address the proxy bridges to.
type Client interface {
	CreateMachine(spec MachineSpec, userToken string) (*Machine, error)
	GetMachineStatus(id string) (*Machine, error)
	GetMachineIP(id string) (string, error)
}

// FlyClient implements Client against the Fly Machines REST API.
type FlyClient struct {
	apiToken string
	appName  string
	imageRef string
	baseURL  string
	http     *http.Client
}

// NewFlyClient constructs a FlyClient from FLY_API_TOKEN / FLY_APP_NAME /
// FLY_IMAGE_REF-derived configuration.
func NewFlyClient(apiToken, appName, imageRef string) *FlyClient {
	return &FlyClient{
		apiToken: apiToken,
		appName:  appName,
		imageRef: imageRef,
		baseURL:  "https://api.machines.dev/v1",
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *FlyClient) CreateMachine(spec MachineSpec, userToken string) (*Machine, error) {
	if spec.Image == "" {
		spec.Image = c.imageRef
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("no image available to launch machine")
	}

	body, err := json.Marshal(map[string]interface{}{
		"name": spec.Name,
		"config": map[string]interface{}{
			"image": spec.Image,
			"env":   spec.Env,
		},
		"region": spec.Region,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/apps/%s/machines", c.baseURL, c.appName)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("create machine failed: status %d", resp.StatusCode)
	}

	var m Machine
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *FlyClient) GetMachineStatus(id string) (*Machine, error) {
	url := fmt.Sprintf("%s/apps/%s/machines/%s", c.baseURL, c.appName, id)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMachineNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get machine status failed: status %d", resp.StatusCode)
	}

	var m Machine
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *FlyClient) GetMachineIP(id string) (string, error) {
	url := fmt.Sprintf("%s/apps/%s/machines/%s", c.baseURL, c.appName, id)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrMachineNotFound
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("get machine IP failed: status %d", resp.StatusCode)
	}

	var payload struct {
		PrivateIP string `json:"private_ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.PrivateIP == "" {
		return "", fmt.Errorf("machine %s has no private IP yet", id)
	}
	return payload.PrivateIP, nil
}

// ErrMachineNotFound is returned by GetMachineStatus/GetMachineIP for an
// unknown machine id.
var ErrMachineNotFound = fmt.Errorf("machine not found")
