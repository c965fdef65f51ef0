package modbusx

import (
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

// Client is a reconnecting Modbus TCP client for one energy meter.
type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	ip      string
	port    int
	unitID  uint8
	timeout time.Duration
}

func NewClient(ip string, port int, unitID uint8, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		ip:      ip,
		port:    port,
		unitID:  unitID,
		timeout: timeout,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", c.ip, c.port),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to meter: %w", err)
	}

	client.SetUnitId(c.unitID)
	c.client = client

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) ReadInputRegisters(address uint16, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	regs, err := c.client.ReadRegisters(address, quantity, modbus.INPUT_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("failed to read input registers at %d: %w", address, err)
	}

	return regs, nil
}

func (c *Client) ReadUint16(address uint16) (uint16, error) {
	regs, err := c.ReadInputRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

func (c *Client) ReadUint32(address uint16) (uint32, error) {
	regs, err := c.ReadInputRegisters(address, 2)
	if err != nil {
		return 0, err
	}
	// Little-endian: low word first, high word second
	return uint32(regs[0]) | uint32(regs[1])<<16, nil
}

func (c *Client) Reconnect() error {
	c.Close()
	return c.Connect()
}
