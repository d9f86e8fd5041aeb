package testutil

import (
	"context"
	"sync"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
)

// FakeAssignmentSource returns a fixed assignment list
type FakeAssignmentSource struct {
	Assignments []service.Assignment
	Err         error
}

func (f *FakeAssignmentSource) ListActiveAssignments(ctx context.Context) ([]service.Assignment, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Assignments, nil
}

// FakePriceSource resolves prices from an in-memory table.
// Key format: customerID + "/" + productID for customer prices,
// productID alone for standard prices.
type FakePriceSource struct {
	CustomerPrices map[string]float64
	StandardPrices map[string]float64
	Err            error
}

func (f *FakePriceSource) ResolvePrice(ctx context.Context, customerID, productID string, useCustomerPrice bool) (float64, string, error) {
	if f.Err != nil {
		return 0, "", f.Err
	}
	if useCustomerPrice {
		if price, ok := f.CustomerPrices[customerID+"/"+productID]; ok {
			return price, entity.PriceSourceCustomer, nil
		}
	}
	return f.StandardPrices[productID], entity.PriceSourceStandard, nil
}

// ReminderCall records one deadline reminder delivery
type ReminderCall struct {
	SalesRepID  string
	CycleID     string
	Outstanding int64
}

// ReviewCall records one review result delivery
type ReviewCall struct {
	ForecastID string
	Approved   bool
	Comment    string
}

// FakeNotifier captures notification calls for assertions
type FakeNotifier struct {
	mu        sync.Mutex
	Reminders []ReminderCall
	Submitted []string
	Reviews   []ReviewCall
	Err       error
}

func (f *FakeNotifier) SendDeadlineReminder(ctx context.Context, salesRepID string, cycle *entity.ForecastCycle, outstanding int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Reminders = append(f.Reminders, ReminderCall{
		SalesRepID:  salesRepID,
		CycleID:     cycle.ID,
		Outstanding: outstanding,
	})
	return nil
}

func (f *FakeNotifier) SendSubmitted(ctx context.Context, forecast *entity.Forecast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Submitted = append(f.Submitted, forecast.ID)
	return nil
}

func (f *FakeNotifier) SendReviewResult(ctx context.Context, forecast *entity.Forecast, approved bool, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Reviews = append(f.Reviews, ReviewCall{
		ForecastID: forecast.ID,
		Approved:   approved,
		Comment:    comment,
	})
	return nil
}

// ReminderCount returns how many reminders were sent to the given rep
func (f *FakeNotifier) ReminderCount(salesRepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.Reminders {
		if call.SalesRepID == salesRepID {
			n++
		}
	}
	return n
}
