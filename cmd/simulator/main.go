package main

import (
	"log/slog"
	"net/http"
	"os"

	"apd/internal/simulator"
)

// main 是设备仿真服务的入口：起一台假 UR3 和一台假天平，
// 编排服务把配置指过来就能在没有真机的环境下联调
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "simulator")
	slog.SetDefault(logger)

	robot := simulator.NewRobot()
	dashAddr, scriptAddr, err := robot.Start()
	if err != nil {
		logger.Error("启动 UR3 仿真失败", "error", err)
		os.Exit(1)
	}
	defer robot.Stop()
	logger.Info("UR3 仿真已启动", "dashboard", dashAddr, "script", scriptAddr)

	password := os.Getenv("SIM_SCALE_PASSWORD")
	if password == "" {
		password = "password"
	}
	balance := simulator.NewBalance(password)
	balance.SetHead("NaHCO3")

	addr := os.Getenv("SIM_SCALE_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	logger.Info("天平仿真已启动", "addr", addr)
	if err := http.ListenAndServe(addr, balance); err != nil {
		logger.Error("天平仿真启动失败", "error", err)
		os.Exit(1)
	}
}
