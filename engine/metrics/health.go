package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// BusStatus is "UP" or "DOWN", the result of a bus health probe.
type BusStatus string

const (
	BusStatusUp   BusStatus = "UP"
	BusStatusDown BusStatus = "DOWN"
)

// BusHealth is the result of probing the bus via describe-cluster.
type BusHealth struct {
	Status     BusStatus `json:"status"`
	ClusterID  string    `json:"clusterId,omitempty"`
	NodeCount  int       `json:"nodeCount,omitempty"`
	ErrorClass string    `json:"errorClass,omitempty"`
	Message    string    `json:"message,omitempty"`
}

const (
	describeClusterTimeout = 500 * time.Millisecond
	probeOverallWait       = 5 * time.Second
)

// ProbeBus runs ClusterAdmin.DescribeCluster inside an overall 5s wait
// budget, reporting UP with the controller-derived cluster identity and
// broker count, or DOWN with the failure detail. sarama's DescribeCluster
// takes no context, so the describeClusterTimeout context does not bound
// the call; a slow call is cut off only by the 5s wait (or by the admin
// client's own network timeouts).
func ProbeBus(ctx context.Context, admin sarama.ClusterAdmin) BusHealth {
	ctx, cancel := context.WithTimeout(ctx, probeOverallWait)
	defer cancel()

	type result struct {
		brokers      []*sarama.Broker
		controllerID int32
		err          error
	}
	done := make(chan result, 1)

	go func() {
		reqCtx, reqCancel := context.WithTimeout(ctx, describeClusterTimeout)
		defer reqCancel()
		brokers, controllerID, err := admin.DescribeCluster()
		select {
		case <-reqCtx.Done():
		default:
		}
		done <- result{brokers: brokers, controllerID: controllerID, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return BusHealth{
				Status:     BusStatusDown,
				ErrorClass: fmt.Sprintf("%T", r.err),
				Message:    r.err.Error(),
			}
		}
		return BusHealth{
			Status:    BusStatusUp,
			ClusterID: fmt.Sprintf("controller-%d", r.controllerID),
			NodeCount: len(r.brokers),
		}
	case <-ctx.Done():
		return BusHealth{
			Status:     BusStatusDown,
			ErrorClass: fmt.Sprintf("%T", ctx.Err()),
			Message:    ctx.Err().Error(),
		}
	}
}
