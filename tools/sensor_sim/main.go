package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
)

type config struct {
	brokerURL      string
	equipmentCount int
	prefix         string
	interval       time.Duration
	faultRate      float64
}

func parseConfig() config {
	var cfg config
	flag.StringVar(&cfg.brokerURL, "broker", "", "MQTT broker URL (defaults to MQTT_BROKER_URL)")
	flag.IntVar(&cfg.equipmentCount, "equipment", 3, "number of simulated equipment")
	flag.StringVar(&cfg.prefix, "prefix", "sim", "equipment id prefix")
	flag.DurationVar(&cfg.interval, "interval", 2*time.Second, "publish interval per equipment")
	flag.Float64Var(&cfg.faultRate, "fault-rate", 0.05, "probability of an out-of-range sample")
	flag.Parse()

	if cfg.brokerURL == "" {
		cfg.brokerURL = os.Getenv("MQTT_BROKER_URL")
	}
	return cfg
}

// equipmentState carries the random-walk baseline for one simulated unit.
type equipmentState struct {
	id          string
	temperature float64
	vibration   float64
	pressure    float64
	humidity    float64
}

type sample struct {
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

func main() {
	_ = godotenv.Load()
	cfg := parseConfig()
	if cfg.brokerURL == "" {
		log.Fatal("MQTT_BROKER_URL or -broker is required")
	}
	if cfg.equipmentCount <= 0 {
		log.Fatal("equipment must be > 0")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.brokerURL).
		SetClientID(fmt.Sprintf("sensor-sim-%d", os.Getpid())).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("connect: %v", token.Error())
	}
	defer client.Disconnect(250)
	log.Printf("connected to %s, simulating %d equipment every %s", cfg.brokerURL, cfg.equipmentCount, cfg.interval)

	fleet := make([]*equipmentState, cfg.equipmentCount)
	for i := range fleet {
		fleet[i] = &equipmentState{
			id:          fmt.Sprintf("%s-%03d", cfg.prefix, i+1),
			temperature: 55 + rand.Float64()*10,
			vibration:   2 + rand.Float64(),
			pressure:    50 + rand.Float64()*10,
			humidity:    40 + rand.Float64()*10,
		}
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			for _, eq := range fleet {
				publish(client, eq, cfg.faultRate)
			}
		case sig := <-stop:
			log.Printf("received %s, stopping", sig)
			return
		}
	}
}

func publish(client mqtt.Client, eq *equipmentState, faultRate float64) {
	eq.temperature = clamp(eq.temperature+(rand.Float64()-0.5)*2, 40, 75)
	eq.vibration = clamp(eq.vibration+(rand.Float64()-0.5)*0.4, 0.5, 8)
	eq.pressure = clamp(eq.pressure+(rand.Float64()-0.5)*3, 20, 90)
	eq.humidity = clamp(eq.humidity+(rand.Float64()-0.5)*2, 20, 80)

	readings := map[string]float64{
		"temperature": eq.temperature,
		"vibration":   eq.vibration,
		"pressure":    eq.pressure,
		"humidity":    eq.humidity,
	}
	// Push one metric out of its normal range now and then so alert rules
	// have something to chew on.
	if rand.Float64() < faultRate {
		switch rand.Intn(3) {
		case 0:
			readings["temperature"] = 85 + rand.Float64()*15
		case 1:
			readings["vibration"] = 12 + rand.Float64()*5
		default:
			readings["pressure"] = 5 * rand.Float64()
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for metric, value := range readings {
		payload, err := json.Marshal(sample{Value: value, Timestamp: now})
		if err != nil {
			continue
		}
		topic := fmt.Sprintf("sensors/%s/%s", eq.id, metric)
		if token := client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
			log.Printf("publish %s: %v", topic, token.Error())
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
