package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	bms "github.com/jonamat/daly-bms-bt"
)

const SAMPLE_INTERVAL = 5
const BMS_MAC = "C6:6C:09:03:0A:13"
const HCI = "hci0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("Starting...")

	for ctx.Err() == nil {
		client, err := bms.ConnectBluetooth(ctx, BMS_MAC, HCI, nil)
		if err != nil {
			fmt.Println("Error connecting to BMS: ", err)
			time.Sleep(1 * time.Second)
			continue
		}

		for ctx.Err() == nil {
			data, err := client.GetAllData(ctx)
			if err != nil {
				fmt.Println("Error getting data: ", err)
				break
			}
			fmt.Println("SOC percent: ", data.SOC.Percent)
			fmt.Println("Pack voltage: ", data.SOC.PackVoltage)
			fmt.Println("Current: ", data.SOC.Current)
			fmt.Println("Cell voltages: ", data.CellVoltages)
			fmt.Println("Highest cell: ", data.CellVoltageRange.HighestCell, data.CellVoltageRange.HighestVoltage)
			fmt.Println("Lowest cell: ", data.CellVoltageRange.LowestCell, data.CellVoltageRange.LowestVoltage)
			fmt.Println("Balancing status: ", data.BalancingStatus)
			fmt.Println("Temperatures: ", data.Temperatures)
			fmt.Println("Mode: ", data.MosfetStatus.Mode)
			fmt.Println("Capacity Ah: ", data.MosfetStatus.CapacityAh)
			fmt.Println("Cycle count: ", data.Status.Cycles)
			fmt.Println("States: ", data.Status.States)
			fmt.Println("Errors: ", data.Errors)

			// delay before next sample
			select {
			case <-ctx.Done():
			case <-time.After(SAMPLE_INTERVAL * time.Second):
			}
		}

		client.Disconnect()
	}
}

/*
	Output example:
	Starting...
	SOC percent:  72
	Pack voltage:  13
	Current:  2.5
	Cell voltages:  [3.255 3.279 3.279 3.259]
	Highest cell:  2 3.279
	Lowest cell:  1 3.255
	Balancing status:  map[1:false 2:false 3:false 4:false]
	Temperatures:  [13]
	Mode:  stationary
	Capacity Ah:  147.427
	Cycle count:  273
	States:  map[DI1:false DI2:true DI3:false DI4:false DO1:false DO2:false DO3:false DO4:false]
	Errors:  []
*/
