package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed      int64
	errorsSession   int64
	warnsFeed       int64
	warnsSession    int64
	feedFrames      int64
	eventsPublished int64
	queueDrops      int64
	retryCount      int64
	streams         sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "adapter") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "session") {
		atomic.AddInt64(&warnsSession, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "feed") || strings.Contains(component, "adapter") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "session") {
		atomic.AddInt64(&errorsSession, 1)
	}
}

// IncrementFeedFrame records one raw frame read from a broker feed.
func IncrementFeedFrame(size int) {
	atomic.AddInt64(&feedFrames, 1)
	recordStream("feed_ws", size)
}

// IncrementEventPublished records one canonical event handed to the bus.
func IncrementEventPublished() {
	atomic.AddInt64(&eventsPublished, 1)
}

// IncrementQueueDrop records one frame sacrificed to a full session queue.
func IncrementQueueDrop() {
	atomic.AddInt64(&queueDrops, 1)
}

// IncrementRetryCount records one broker reconnect attempt.
func IncrementRetryCount() {
	atomic.AddInt64(&retryCount, 1)
}

// RecordStreamMessage accounts a message on a named internal stream.
func RecordStreamMessage(name string, size int) {
	recordStream(name, size)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	cs := v.(*streamStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":      atomic.LoadInt64(&errorsFeed),
		"errors_session":   atomic.LoadInt64(&errorsSession),
		"warns_feed":       atomic.LoadInt64(&warnsFeed),
		"warns_session":    atomic.LoadInt64(&warnsSession),
		"feed_frames":      atomic.LoadInt64(&feedFrames),
		"events_published": atomic.LoadInt64(&eventsPublished),
		"queue_drops":      atomic.LoadInt64(&queueDrops),
		"retries":          atomic.LoadInt64(&retryCount),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"streams":          streamData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-WarnsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-FeedFrames"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_frames"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-EventsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_published"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-QueueDrops"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["queue_drops"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-Retries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["retries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Tickflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Tickflow-StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Tickflow-StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
