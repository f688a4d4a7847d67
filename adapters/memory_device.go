package adapters

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSerialTaken        = errors.New("serial number already registered")
)

// MemoryDeviceRepository keeps the device registry in process memory. It is
// seeded at start-up from configuration.
type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]entities.Device
	bySN    map[string]string // serial number -> id
}

var _ repositories.DeviceRepository = (*MemoryDeviceRepository)(nil)

func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{
		devices: make(map[string]entities.Device),
		bySN:    make(map[string]string),
	}
}

// ValidateDevice returns the device when secret matches its registered key
func (m *MemoryDeviceRepository) ValidateDevice(serialNumber, secret string) (*entities.Device, error) {
	device, err := m.GetBySerialNumber(context.Background(), serialNumber)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(device.SecretKey), []byte(secret)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return device, nil
}

// Create assigns an id when the device has none
func (m *MemoryDeviceRepository) Create(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.bySN[device.SerialNumber]; taken {
		return fmt.Errorf("%s: %w", device.SerialNumber, ErrSerialTaken)
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	device.CreatedAt = time.Now()
	device.UpdatedAt = device.CreatedAt

	m.devices[device.ID] = *device
	m.bySN[device.SerialNumber] = device.ID
	return nil
}

func (m *MemoryDeviceRepository) GetByID(ctx context.Context, id string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(id)
}

func (m *MemoryDeviceRepository) GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySN[serialNumber]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", serialNumber, repositories.ErrNotFound)
	}
	return m.lookupLocked(id)
}

// Update replaces a device, keeping its creation time. Changing the serial
// number re-indexes it.
func (m *MemoryDeviceRepository) Update(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.devices[device.ID]
	if !ok {
		return fmt.Errorf("device %s: %w", device.ID, repositories.ErrNotFound)
	}
	if owner, taken := m.bySN[device.SerialNumber]; taken && owner != device.ID {
		return fmt.Errorf("%s: %w", device.SerialNumber, ErrSerialTaken)
	}

	device.CreatedAt = existing.CreatedAt
	device.UpdatedAt = time.Now()

	delete(m.bySN, existing.SerialNumber)
	m.devices[device.ID] = *device
	m.bySN[device.SerialNumber] = device.ID
	return nil
}

func (m *MemoryDeviceRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, repositories.ErrNotFound)
	}
	delete(m.devices, id)
	delete(m.bySN, device.SerialNumber)
	return nil
}

func (m *MemoryDeviceRepository) lookupLocked(id string) (*entities.Device, error) {
	device, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, repositories.ErrNotFound)
	}
	return &device, nil
}
