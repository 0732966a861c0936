// Package broker is the MQTT control plane: it mutates the catalogue,
// pushes configuration down the serial link and publishes sales and
// inventory state.
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	logger "github.com/sirupsen/logrus"

	"vendo/catalog"
	"vendo/protocol"
	"vendo/sales"
)

var log = logger.WithField("prefix", "broker")

// Link is the slice of the serial session the router drives
type Link interface {
	Enqueue(cmd protocol.Cmd, payload []byte)
}

// Catalogue is the store surface the router mutates and exports
type Catalogue interface {
	Upsert(selection uint16, patch catalog.Patch) error
	UpsertTray(tray uint8, patch catalog.Patch) error
	UpsertAll(patch catalog.Patch) error
	List() ([]catalog.Entry, error)
	ListTray(tray uint8) ([]catalog.Entry, error)
}

// SalesLog is the journal surface the router exports
type SalesLog interface {
	List() ([]sales.Record, error)
}

// Publisher abstracts the outbound half of the MQTT client
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Config holds broker settings
type Config struct {
	BrokerAddr string // tcp://host:port
	MachineID  string
	ClientID   string
}

// handlerFunc processes one decoded command and returns the response
// topic suffix and body
type handlerFunc func(payload []byte) (string, interface{})

// Router subscribes to the machine's command topics, validates and
// fans out to the catalogue and the serial link. Messages arriving
// while disconnected are dropped; reconnects replay no backlog.
type Router struct {
	cfg  Config
	cat  Catalogue
	jrnl SalesLog
	link Link

	pub      Publisher
	client   mqtt.Client
	handlers map[string]handlerFunc
}

// New wires a router; Start connects it
func New(cfg Config, cat Catalogue, jrnl SalesLog, link Link) *Router {
	r := &Router{
		cfg:  cfg,
		cat:  cat,
		jrnl: jrnl,
		link: link,
	}
	r.handlers = map[string]handlerFunc{
		VerbSetPrice:           r.handleSetPrice,
		VerbSetInventory:       r.handleSetInventory,
		VerbSetCapacity:        r.handleSetCapacity,
		VerbGetPrices:          r.handleGetPrices,
		VerbGetInventoryByTray: r.handleGetInventoryByTray,
		VerbGetSales:           r.handleGetSales,
		VerbPing:               r.handlePing,
	}
	return r
}

// Start connects to the broker and subscribes. paho's auto-reconnect
// keeps retrying in the background; subscriptions are re-established
// in the OnConnect hook.
func (r *Router) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(r.cfg.BrokerAddr).
		SetClientID(r.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Infof("Connected to broker %s", r.cfg.BrokerAddr)
			r.subscribe(c)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("Broker connection lost")
		})

	r.client = mqtt.NewClient(opts)
	r.pub = &mqttPublisher{client: r.client}

	token := r.client.Connect()
	// Fire and forget: connect retry runs in the background, commands
	// sent before the first connect are simply never seen
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.WithError(err).Warn("Initial broker connect failed, retrying")
		}
	}()
	return nil
}

// Stop disconnects from the broker
func (r *Router) Stop() {
	if r.client != nil {
		r.client.Disconnect(250)
	}
}

func (r *Router) subscribe(c mqtt.Client) {
	for verb := range r.handlers {
		topic := r.topic(verb)
		verb := verb
		token := c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			r.Route(verb, msg.Payload())
		})
		go func(topic string) {
			token.Wait()
			if err := token.Error(); err != nil {
				log.WithError(err).Errorf("Subscribe %s failed", topic)
			}
		}(topic)
	}
}

func (r *Router) topic(suffix string) string {
	return fmt.Sprintf("vmc/%s/%s", r.cfg.MachineID, suffix)
}

// Route dispatches one raw command payload for verb and publishes the
// handler's response. Called by the subscription callbacks; exposed
// for tests.
func (r *Router) Route(verb string, payload []byte) {
	h, ok := r.handlers[verb]
	if !ok {
		log.WithField("verb", verb).Warn("Unknown control verb")
		return
	}
	suffix, body := h(payload)

	raw, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Error("Response marshal failed")
		return
	}
	if r.pub != nil {
		r.pub.Publish(r.topic(suffix), raw)
	}
}

// SetPublisher overrides the outbound client; used by tests
func (r *Router) SetPublisher(p Publisher) {
	r.pub = p
}

func (r *Router) respond(results []cellResult, err error) commandResponse {
	resp := commandResponse{
		Success:   err == nil,
		Results:   results,
		MachineID: r.cfg.MachineID,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if resp.Results == nil {
		resp.Results = []cellResult{}
	}
	return resp
}

func (r *Router) decode(payload []byte) (commandRequest, error) {
	var req commandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, err
	}
	if err := req.check(); err != nil {
		return req, err
	}
	return req, nil
}

// applyWrite persists patch across the request's target and returns
// per-cell outcomes
func (r *Router) applyWrite(req commandRequest, patch catalog.Patch) ([]cellResult, error) {
	_, cells, err := req.target()
	if err != nil {
		return nil, err
	}

	switch {
	case req.Selection != nil:
		err = r.cat.Upsert(*req.Selection, patch)
	case req.Tray != nil:
		err = r.cat.UpsertTray(*req.Tray, patch)
	default:
		err = r.cat.UpsertAll(patch)
	}
	if err != nil {
		return nil, err
	}

	results := make([]cellResult, len(cells))
	for i, sel := range cells {
		results[i] = cellResult{Selection: sel, Success: true}
	}
	return results, nil
}

func (r *Router) handleSetPrice(payload []byte) (string, interface{}) {
	req, err := r.decode(payload)
	if err != nil {
		return TopicPriceStatus, r.respond(nil, err)
	}
	if req.Price == nil {
		return TopicPriceStatus, r.respond(nil, fmt.Errorf("price is required"))
	}

	price := uint32(*req.Price)
	results, err := r.applyWrite(req, catalog.Patch{PriceMinor: &price})
	if err != nil {
		return TopicPriceStatus, r.respond(nil, err)
	}

	vmcSel, _, _ := req.target()
	r.link.Enqueue(protocol.CmdSetPrice, protocol.SetPrice{
		Selection: vmcSel,
		Price:     price,
	}.Marshal())

	log.WithFields(logger.Fields{"target": vmcSel, "price": price}).Info("Price updated")
	return TopicPriceStatus, r.respond(results, nil)
}

func (r *Router) handleSetInventory(payload []byte) (string, interface{}) {
	req, err := r.decode(payload)
	if err != nil {
		return TopicInventoryStatus, r.respond(nil, err)
	}
	if req.Inventory == nil {
		return TopicInventoryStatus, r.respond(nil, fmt.Errorf("inventory is required"))
	}

	inv := uint8(*req.Inventory)
	results, err := r.applyWrite(req, catalog.Patch{Inventory: &inv})
	if err != nil {
		return TopicInventoryStatus, r.respond(nil, err)
	}

	vmcSel, _, _ := req.target()
	r.link.Enqueue(protocol.CmdSetInventory, protocol.SetInventory{
		Selection: vmcSel,
		Inventory: inv,
	}.Marshal())

	log.WithFields(logger.Fields{"target": vmcSel, "inventory": inv}).Info("Inventory updated")
	return TopicInventoryStatus, r.respond(results, nil)
}

func (r *Router) handleSetCapacity(payload []byte) (string, interface{}) {
	req, err := r.decode(payload)
	if err != nil {
		return TopicCapacityStatus, r.respond(nil, err)
	}
	if req.Capacity == nil {
		return TopicCapacityStatus, r.respond(nil, fmt.Errorf("capacity is required"))
	}

	capv := uint8(*req.Capacity)
	results, err := r.applyWrite(req, catalog.Patch{Capacity: &capv})
	if err != nil {
		return TopicCapacityStatus, r.respond(nil, err)
	}

	vmcSel, _, _ := req.target()
	r.link.Enqueue(protocol.CmdSetCapacity, protocol.SetCapacity{
		Selection: vmcSel,
		Capacity:  capv,
	}.Marshal())

	log.WithFields(logger.Fields{"target": vmcSel, "capacity": capv}).Info("Capacity updated")
	return TopicCapacityStatus, r.respond(results, nil)
}

func (r *Router) handleGetPrices(_ []byte) (string, interface{}) {
	entries, err := r.cat.List()
	if err != nil {
		return TopicPrices, r.respond(nil, err)
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	return TopicPrices, struct {
		Success   bool            `json:"success"`
		Results   []catalog.Entry `json:"results"`
		MachineID string          `json:"machine_id"`
		Timestamp int64           `json:"timestamp"`
	}{true, entries, r.cfg.MachineID, time.Now().Unix()}
}

func (r *Router) handleGetInventoryByTray(payload []byte) (string, interface{}) {
	req, err := r.decode(payload)
	if err != nil {
		return TopicInventoryByTray, r.respond(nil, err)
	}
	if req.Tray == nil {
		return TopicInventoryByTray, r.respond(nil, fmt.Errorf("tray is required"))
	}

	entries, err := r.cat.ListTray(*req.Tray)
	if err != nil {
		return TopicInventoryByTray, r.respond(nil, err)
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	return TopicInventoryByTray, struct {
		Success   bool            `json:"success"`
		Tray      uint8           `json:"tray"`
		Results   []catalog.Entry `json:"results"`
		MachineID string          `json:"machine_id"`
		Timestamp int64           `json:"timestamp"`
	}{true, *req.Tray, entries, r.cfg.MachineID, time.Now().Unix()}
}

func (r *Router) handleGetSales(_ []byte) (string, interface{}) {
	records, err := r.jrnl.List()
	if err != nil {
		return TopicSales, r.respond(nil, err)
	}
	if records == nil {
		records = []sales.Record{}
	}
	return TopicSales, struct {
		Success   bool           `json:"success"`
		Results   []sales.Record `json:"results"`
		MachineID string         `json:"machine_id"`
		Timestamp int64          `json:"timestamp"`
	}{true, records, r.cfg.MachineID, time.Now().Unix()}
}

func (r *Router) handlePing(payload []byte) (string, interface{}) {
	// Echo whatever fields the caller sent, stamped with liveness
	echo := map[string]interface{}{}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &echo)
	}
	echo["status"] = "ok"
	echo["timestamp"] = time.Now().Unix()
	echo["machine_id"] = r.cfg.MachineID
	return TopicPong, echo
}

type mqttPublisher struct {
	client mqtt.Client
}

func (p *mqttPublisher) Publish(topic string, payload []byte) {
	token := p.client.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.WithError(err).Errorf("Publish %s failed", topic)
		}
	}()
}
